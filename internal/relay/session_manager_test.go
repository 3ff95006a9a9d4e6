package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayvox/relayvox/internal/engine"
	"github.com/relayvox/relayvox/internal/models"
)

type fakeConn struct {
	mu      sync.Mutex
	id      string
	events  chan engine.Event
	calls   []string
	audio   [][]byte
	texts   []string
	closed  bool
	pingErr error
	pong    time.Time
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, events: make(chan engine.Event, 32)}
}

func (f *fakeConn) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeConn) SessionID() string           { return f.id }
func (f *fakeConn) Events() <-chan engine.Event { return f.events }
func (f *fakeConn) CommitAudio() error          { f.record("commit"); return nil }
func (f *fakeConn) InjectDirective(s string) error {
	f.record("directive")
	f.mu.Lock()
	f.texts = append(f.texts, s)
	f.mu.Unlock()
	return nil
}
func (f *fakeConn) InjectText(s string) error {
	f.record("text")
	f.mu.Lock()
	f.texts = append(f.texts, s)
	f.mu.Unlock()
	return nil
}
func (f *fakeConn) CancelResponse() error { f.record("cancel"); return nil }
func (f *fakeConn) Ping() error           { f.record("ping"); return f.pingErr }
func (f *fakeConn) LastPong() time.Time   { return f.pong }

func (f *fakeConn) AppendAudio(pcm []byte) error {
	f.mu.Lock()
	f.audio = append(f.audio, pcm)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func testCall() *models.CallSession {
	return &models.CallSession{
		CallID:         "call-1",
		UserID:         "user-1",
		SourceLanguage: "en",
		TargetLanguage: "ko",
		Mode:           models.ModeRelay,
	}
}

func dialPair(a, b *fakeConn) DialFunc {
	return func(ctx context.Context, label engine.Label, cfg engine.Config) (EngineConn, error) {
		if label == engine.LabelA {
			return a, nil
		}
		return b, nil
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestConnectRoutesCommandsByLabel(t *testing.T) {
	connA := newFakeConn("sess-a")
	connB := newFakeConn("sess-b")
	events := make(chan Event, 32)
	m := NewSessionManager(testCall(), SessionManagerConfig{}, dialPair(connA, connB), events, testEntry())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.AppendUserAudio([]byte{1}); err != nil {
		t.Fatalf("AppendUserAudio: %v", err)
	}
	if err := m.AppendTelephoneAudio([]byte{2}); err != nil {
		t.Fatalf("AppendTelephoneAudio: %v", err)
	}
	if err := m.CommitUserAudio(); err != nil {
		t.Fatalf("CommitUserAudio: %v", err)
	}
	if err := m.CancelGeneration(); err != nil {
		t.Fatalf("CancelGeneration: %v", err)
	}

	connA.mu.Lock()
	gotA := len(connA.audio)
	connA.mu.Unlock()
	connB.mu.Lock()
	gotB := len(connB.audio)
	connB.mu.Unlock()
	if gotA != 1 || gotB != 1 {
		t.Fatalf("audio routing: engine A got %d frames, engine B got %d", gotA, gotB)
	}

	a, b := m.SessionIDs()
	if a != "sess-a" || b != "sess-b" {
		t.Fatalf("SessionIDs = %q, %q", a, b)
	}
}

func TestConnectFailsWholeOnEitherDial(t *testing.T) {
	connA := newFakeConn("sess-a")
	events := make(chan Event, 32)
	dial := func(ctx context.Context, label engine.Label, cfg engine.Config) (EngineConn, error) {
		if label == engine.LabelA {
			return connA, nil
		}
		return nil, errors.New("handshake refused")
	}
	m := NewSessionManager(testCall(), SessionManagerConfig{}, dial, events, testEntry())
	defer m.Close()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail when one engine dial fails")
	}
	if !connA.Closed() {
		t.Fatal("surviving connection must be closed on partial setup failure")
	}
}

func TestTranslateUserDirection(t *testing.T) {
	connA := newFakeConn("sess-a")
	connB := newFakeConn("sess-b")
	events := make(chan Event, 32)
	m := NewSessionManager(testCall(), SessionManagerConfig{}, dialPair(connA, connB), events, testEntry())
	defer m.Close()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	connA.events <- engine.InputTranscriptEvent{Text: "I'd like to book a table"}
	connA.events <- engine.ResponseTextDoneEvent{Text: "테이블을 예약하고 싶어요"}
	connA.events <- engine.ResponseAudioDeltaEvent{Audio: []byte{0xAA}}
	connA.events <- engine.ResponseAudioDoneEvent{}

	ev := waitEvent(t, events)
	orig, ok := ev.(TranscriptOut)
	if !ok || orig.Translated || orig.Role != models.RoleUser || orig.Language != "en" {
		t.Fatalf("first event = %#v, want user original in en", ev)
	}

	ev = waitEvent(t, events)
	tr, ok := ev.(TranscriptOut)
	if !ok || !tr.Translated || tr.Language != "ko" {
		t.Fatalf("second event = %#v, want user translation in ko", ev)
	}

	ev = waitEvent(t, events)
	audio, ok := ev.(AudioOut)
	if !ok || audio.Dest != DestTelephone {
		t.Fatalf("third event = %#v, want audio for the telephone leg", ev)
	}

	ev = waitEvent(t, events)
	done, ok := ev.(AudioDone)
	if !ok || done.Engine != engine.LabelA {
		t.Fatalf("fourth event = %#v, want engine A audio done", ev)
	}

	transcript := m.Transcript()
	if len(transcript) != 1 {
		t.Fatalf("transcript has %d entries, want 1", len(transcript))
	}
	if transcript[0].Translated != "테이블을 예약하고 싶어요" {
		t.Fatalf("translation not attached: %#v", transcript[0])
	}
}

func TestTranslateRecipientSpeechSignals(t *testing.T) {
	connA := newFakeConn("sess-a")
	connB := newFakeConn("sess-b")
	events := make(chan Event, 32)
	m := NewSessionManager(testCall(), SessionManagerConfig{}, dialPair(connA, connB), events, testEntry())
	defer m.Close()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	connB.events <- engine.SpeechStartedEvent{}
	connB.events <- engine.InputTranscriptEvent{Text: "몇 분이세요?"}
	connB.events <- engine.SpeechStoppedEvent{}
	connB.events <- engine.ResponseAudioDeltaEvent{Audio: []byte{0xBB}}

	if _, ok := waitEvent(t, events).(RecipientSpeechStart); !ok {
		t.Fatal("recipient VAD start not surfaced")
	}
	tr, ok := waitEvent(t, events).(TranscriptOut)
	if !ok || tr.Role != models.RoleRecipient || tr.Language != "ko" {
		t.Fatalf("recipient transcript = %#v, want recipient original in ko", tr)
	}
	if _, ok := waitEvent(t, events).(RecipientSpeechEnd); !ok {
		t.Fatal("recipient VAD end not surfaced")
	}
	audio, ok := waitEvent(t, events).(AudioOut)
	if !ok || audio.Dest != DestClient {
		t.Fatalf("engine B audio = %#v, want audio for the client leg", audio)
	}
}

func TestReconnectSupersedesOldConnection(t *testing.T) {
	connA := newFakeConn("sess-a")
	connB := newFakeConn("sess-b")
	replacement := newFakeConn("sess-a2")

	var mu sync.Mutex
	var order []string
	dial := func(ctx context.Context, label engine.Label, cfg engine.Config) (EngineConn, error) {
		if label == engine.LabelB {
			return connB, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if len(order) == 0 {
			order = append(order, "dial-initial")
			return connA, nil
		}
		if !connA.Closed() {
			return nil, errors.New("old connection still open at redial")
		}
		order = append(order, "dial-replacement")
		return replacement, nil
	}

	events := make(chan Event, 32)
	m := NewSessionManager(testCall(), SessionManagerConfig{}, dial, events, testEntry())
	defer m.Close()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.Reconnect(context.Background(), engine.LabelA); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	a, _ := m.SessionIDs()
	if a != "sess-a2" {
		t.Fatalf("engine A session = %q, want the replacement", a)
	}
}

func TestReconnectAfterCloseFails(t *testing.T) {
	connA := newFakeConn("sess-a")
	connB := newFakeConn("sess-b")
	events := make(chan Event, 32)
	m := NewSessionManager(testCall(), SessionManagerConfig{}, dialPair(connA, connB), events, testEntry())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Close()

	fresh := newFakeConn("sess-a2")
	dialFresh := func(ctx context.Context, label engine.Label, cfg engine.Config) (EngineConn, error) {
		return fresh, nil
	}
	m.dial = dialFresh
	if err := m.Reconnect(context.Background(), engine.LabelA); err == nil {
		t.Fatal("Reconnect after Close should fail")
	}
	if !fresh.Closed() {
		t.Fatal("connection dialed after Close must be closed again")
	}
}
