package relay

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/engine"
	"github.com/relayvox/relayvox/internal/models"
)

// TelephoneLeg is the outbound side of the carrier audio socket.
type TelephoneLeg interface {
	SendMedia(payload []byte) error
	SendClear() error
	Connected() bool
}

// EngineIO is the slice of the session manager the router drives.
type EngineIO interface {
	AppendUserAudio(pcm []byte) error
	CommitUserAudio() error
	AppendTelephoneAudio(pcm []byte) error
	CancelGeneration() error
}

// AudioRouter is the low-latency path between the telephone stream and the
// engines, plus interrupt arbitration. Priority is fixed and total: recipient
// speech always wins over AI speech.
type AudioRouter struct {
	engines   EngineIO
	retention *RetentionBuffer
	log       *logrus.Entry

	mu                sync.Mutex
	telephone         TelephoneLeg
	aiSpeaking        bool
	recipientSpeaking bool
	lastSent          map[engine.Label]int64
}

func NewAudioRouter(engines EngineIO, retention *RetentionBuffer, log *logrus.Entry) *AudioRouter {
	return &AudioRouter{
		engines:   engines,
		retention: retention,
		log:       log,
		lastSent:  make(map[engine.Label]int64),
	}
}

// AttachTelephone sets the carrier leg once the media socket is up.
func (r *AudioRouter) AttachTelephone(leg TelephoneLeg) {
	r.mu.Lock()
	r.telephone = leg
	r.mu.Unlock()
}

// RouteTelephoneAudio records the frame and forwards recipient speech to
// Engine B. The assigned sequence only counts as sent if the engine took it,
// so recovery gap accounting stays accurate across a dead connection.
func (r *AudioRouter) RouteTelephoneAudio(pcm []byte) error {
	seq := r.retention.Append(pcm, models.SourceTelephone)
	if err := r.engines.AppendTelephoneAudio(pcm); err != nil {
		return err
	}
	r.markSent(engine.LabelB, seq)
	return nil
}

// RouteClientAudio records the frame and forwards user speech to Engine A.
func (r *AudioRouter) RouteClientAudio(pcm []byte) error {
	seq := r.retention.Append(pcm, models.SourceUser)
	if err := r.engines.AppendUserAudio(pcm); err != nil {
		return err
	}
	r.markSent(engine.LabelA, seq)
	return nil
}

func (r *AudioRouter) markSent(label engine.Label, seq int64) {
	r.mu.Lock()
	if seq > r.lastSent[label] {
		r.lastSent[label] = seq
	}
	r.mu.Unlock()
}

// LastSentSeq reports the newest retention sequence successfully forwarded to
// the labeled engine.
func (r *AudioRouter) LastSentSeq(label engine.Label) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSent[label]
}

// CommitClientAudio signals end of the user's utterance, triggering Engine A
// generation.
func (r *AudioRouter) CommitClientAudio() error {
	return r.engines.CommitUserAudio()
}

// RouteEngineAudioToTelephone plays Engine A output to the recipient and
// marks the AI as speaking. While the recipient is talking, AI output is
// muted rather than queued; the next turn is regenerated anyway.
func (r *AudioRouter) RouteEngineAudioToTelephone(pcm []byte) {
	r.mu.Lock()
	if r.recipientSpeaking {
		r.mu.Unlock()
		return
	}
	r.aiSpeaking = true
	leg := r.telephone
	r.mu.Unlock()

	if leg == nil || !leg.Connected() {
		// Teardown races with in-flight audio are expected; drop silently.
		return
	}
	if err := leg.SendMedia(pcm); err != nil {
		r.log.WithError(err).Debug("telephone media send dropped")
	}
}

// HandleRecipientSpeechStart applies barge-in: if the AI is mid-speech,
// cancel Engine A's generation, then flush queued telephone playback, in
// that order, exactly once per interrupt. Reports whether an interrupt fired.
func (r *AudioRouter) HandleRecipientSpeechStart() bool {
	r.mu.Lock()
	r.recipientSpeaking = true
	interrupted := r.aiSpeaking
	r.aiSpeaking = false
	leg := r.telephone
	r.mu.Unlock()

	if !interrupted {
		return false
	}

	if err := r.engines.CancelGeneration(); err != nil {
		r.log.WithError(err).Warn("generation cancel failed during barge-in")
	}
	if leg != nil && leg.Connected() {
		if err := leg.SendClear(); err != nil {
			r.log.WithError(err).Debug("telephone clear dropped")
		}
	}
	return true
}

// HandleRecipientSpeechEnd clears the recipient-speaking flag only. The next
// AI turn is driven by the session manager's own generation cycle.
func (r *AudioRouter) HandleRecipientSpeechEnd() {
	r.mu.Lock()
	r.recipientSpeaking = false
	r.mu.Unlock()
}

// MarkAISpeechDone clears the AI-speaking flag when Engine A finishes a
// response's audio.
func (r *AudioRouter) MarkAISpeechDone() {
	r.mu.Lock()
	r.aiSpeaking = false
	r.mu.Unlock()
}

// AISpeaking reports whether Engine A audio is currently in flight.
func (r *AudioRouter) AISpeaking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aiSpeaking
}

// Interrupt force-cancels in-flight AI speech outside the barge-in path,
// used by the safety pipeline's blocking tier.
func (r *AudioRouter) Interrupt() {
	r.mu.Lock()
	speaking := r.aiSpeaking
	r.aiSpeaking = false
	leg := r.telephone
	r.mu.Unlock()

	if err := r.engines.CancelGeneration(); err != nil {
		r.log.WithError(err).Warn("generation cancel failed")
	}
	if speaking && leg != nil && leg.Connected() {
		_ = leg.SendClear()
	}
}
