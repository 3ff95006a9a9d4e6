package relay

import (
	"errors"
	"testing"

	"github.com/relayvox/relayvox/internal/models"
)

type fakeEngineIO struct {
	userAudio      [][]byte
	telephoneAudio [][]byte
	commits        int
	cancels        int
	calls          []string // interleaving of cancel/clear-adjacent ops
}

func (f *fakeEngineIO) AppendUserAudio(pcm []byte) error {
	f.userAudio = append(f.userAudio, pcm)
	return nil
}
func (f *fakeEngineIO) CommitUserAudio() error { f.commits++; return nil }
func (f *fakeEngineIO) AppendTelephoneAudio(pcm []byte) error {
	f.telephoneAudio = append(f.telephoneAudio, pcm)
	return nil
}
func (f *fakeEngineIO) CancelGeneration() error {
	f.cancels++
	f.calls = append(f.calls, "cancel")
	return nil
}

type fakeLeg struct {
	media     [][]byte
	clears    int
	connected bool
	sendErr   error
	shared    *fakeEngineIO // records clear ordering against cancels
}

func (f *fakeLeg) SendMedia(p []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.media = append(f.media, p)
	return nil
}
func (f *fakeLeg) SendClear() error {
	f.clears++
	if f.shared != nil {
		f.shared.calls = append(f.shared.calls, "clear")
	}
	return nil
}
func (f *fakeLeg) Connected() bool { return f.connected }

func newTestRouter() (*AudioRouter, *fakeEngineIO, *fakeLeg, *RetentionBuffer) {
	engines := &fakeEngineIO{}
	leg := &fakeLeg{connected: true, shared: engines}
	retention := NewRetentionBuffer(0)
	r := NewAudioRouter(engines, retention, testEntry())
	r.AttachTelephone(leg)
	return r, engines, leg, retention
}

func TestAudioRouter_RoutesAndRetains(t *testing.T) {
	r, engines, _, retention := newTestRouter()

	if err := r.RouteTelephoneAudio([]byte("tel")); err != nil {
		t.Fatalf("RouteTelephoneAudio: %v", err)
	}
	if err := r.RouteClientAudio([]byte("usr")); err != nil {
		t.Fatalf("RouteClientAudio: %v", err)
	}
	if err := r.CommitClientAudio(); err != nil {
		t.Fatalf("CommitClientAudio: %v", err)
	}

	if len(engines.telephoneAudio) != 1 || string(engines.telephoneAudio[0]) != "tel" {
		t.Fatalf("engine B did not receive telephone audio: %v", engines.telephoneAudio)
	}
	if len(engines.userAudio) != 1 || string(engines.userAudio[0]) != "usr" {
		t.Fatalf("engine A did not receive user audio: %v", engines.userAudio)
	}
	if engines.commits != 1 {
		t.Fatalf("commits = %d, want 1", engines.commits)
	}

	frames := retention.FramesAfter(0)
	if len(frames) != 2 {
		t.Fatalf("retained %d frames, want 2", len(frames))
	}
	if frames[0].Source != models.SourceTelephone || frames[1].Source != models.SourceUser {
		t.Fatalf("frame sources = %v, %v", frames[0].Source, frames[1].Source)
	}
}

func TestAudioRouter_BargeInCancelsThenClearsExactlyOnce(t *testing.T) {
	r, engines, leg, _ := newTestRouter()

	r.RouteEngineAudioToTelephone([]byte("ai-speech"))
	if !r.AISpeaking() {
		t.Fatalf("expected AI speaking after routing engine audio")
	}

	if !r.HandleRecipientSpeechStart() {
		t.Fatalf("expected interrupt on recipient speech start")
	}
	if engines.cancels != 1 || leg.clears != 1 {
		t.Fatalf("cancels=%d clears=%d, want 1 and 1", engines.cancels, leg.clears)
	}
	if len(engines.calls) != 2 || engines.calls[0] != "cancel" || engines.calls[1] != "clear" {
		t.Fatalf("interrupt order = %v, want [cancel clear]", engines.calls)
	}

	// Repeated start without new AI speech is not a second interrupt.
	if r.HandleRecipientSpeechStart() {
		t.Fatalf("second speech start without AI speech should not interrupt")
	}
	if engines.cancels != 1 || leg.clears != 1 {
		t.Fatalf("duplicate interrupt fired: cancels=%d clears=%d", engines.cancels, leg.clears)
	}
}

func TestAudioRouter_MutesAIWhileRecipientSpeaks(t *testing.T) {
	r, _, leg, _ := newTestRouter()

	r.HandleRecipientSpeechStart()
	r.RouteEngineAudioToTelephone([]byte("late-ai-audio"))
	if len(leg.media) != 0 {
		t.Fatalf("AI audio delivered while recipient speaking: %d frames", len(leg.media))
	}

	r.HandleRecipientSpeechEnd()
	r.RouteEngineAudioToTelephone([]byte("next-turn"))
	if len(leg.media) != 1 {
		t.Fatalf("AI audio not delivered after recipient speech end")
	}
}

func TestAudioRouter_DropsSilentlyWithoutTelephone(t *testing.T) {
	engines := &fakeEngineIO{}
	r := NewAudioRouter(engines, NewRetentionBuffer(0), testEntry())

	// No telephone attached at all.
	r.RouteEngineAudioToTelephone([]byte("early"))

	// Attached but disconnected mid-call.
	leg := &fakeLeg{connected: false}
	r.AttachTelephone(leg)
	r.RouteEngineAudioToTelephone([]byte("racing-teardown"))
	if len(leg.media) != 0 {
		t.Fatalf("media sent on closed transport")
	}

	// Send errors are swallowed too.
	leg2 := &fakeLeg{connected: true, sendErr: errors.New("broken pipe")}
	r.AttachTelephone(leg2)
	r.RouteEngineAudioToTelephone([]byte("failing"))
}
