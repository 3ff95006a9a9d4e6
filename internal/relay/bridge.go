package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/engine"
	"github.com/relayvox/relayvox/internal/models"
)

// ClientPublisher delivers outbound messages to the client channel keyed by
// call id.
type ClientPublisher interface {
	Publish(ctx context.Context, callID string, payload any) error
}

// SessionControl is the slice of the session manager the bridge drives.
type SessionControl interface {
	EngineIO
	InjectUserText(text string) error
	InjectSystemDirective(text string) error
	Ping(label engine.Label) error
	LastPong(label engine.Label) time.Time
	Reconnect(ctx context.Context, label engine.Label) error
	SessionIDs() (a, b string)
	Transcript() []models.TranscriptEvent
	Close() error
}

// SafetyChecker is the content-safety pipeline surface.
type SafetyChecker interface {
	Check(ctx context.Context, text, language string) models.GuardrailVerdict
	SubstituteTier2() bool
}

type BridgeConfig struct {
	Greeting GreetingConfig
	Recovery RecoveryConfig

	IdleTimeout   time.Duration
	MaxDuration   time.Duration
	WarningBefore time.Duration

	RetentionWindow time.Duration
}

func (c *BridgeConfig) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 10 * time.Minute
	}
	if c.WarningBefore <= 0 {
		c.WarningBefore = time.Minute
	}
	if c.WarningBefore >= c.MaxDuration {
		c.WarningBefore = c.MaxDuration / 2
	}
}

// Bridge is the per-call orchestrator. It owns the event channel every
// component publishes to, runs the safety pipeline on recipient-bound
// utterances without stalling the audio path, and is the only writer to the
// client channel.
type Bridge struct {
	callMu sync.Mutex
	call   *models.CallSession
	cfg    BridgeConfig

	sessions  SessionControl
	router    *AudioRouter
	retention *RetentionBuffer
	greeting  *GreetingCoordinator
	monitors  map[engine.Label]*RecoveryMonitor
	pipeline  SafetyChecker
	publisher ClientPublisher
	timers    *timerSet

	events   chan Event
	safetyCh chan TranscriptOut

	safetyMu  sync.Mutex
	safetyLog []models.GuardrailVerdict

	onEnd func(status models.CallStatus)

	ctx     context.Context
	stop    chan struct{}
	endOnce sync.Once
	wg      sync.WaitGroup

	log *logrus.Entry
}

// NewBridge composes the call's components around a shared event channel.
// events must be the same channel the session manager publishes to.
func NewBridge(
	call *models.CallSession,
	cfg BridgeConfig,
	events chan Event,
	sessions SessionControl,
	retention *RetentionBuffer,
	pipeline SafetyChecker,
	publisher ClientPublisher,
	onEnd func(status models.CallStatus),
	log *logrus.Entry,
) *Bridge {
	cfg.applyDefaults()

	b := &Bridge{
		call:      call,
		cfg:       cfg,
		sessions:  sessions,
		retention: retention,
		pipeline:  pipeline,
		publisher: publisher,
		timers:    newTimerSet(),
		events:    events,
		safetyCh:  make(chan TranscriptOut, 64),
		onEnd:     onEnd,
		stop:      make(chan struct{}),
		log:       log.WithField("call_id", call.CallID),
	}

	b.router = NewAudioRouter(sessions, retention, b.log)
	b.greeting = NewGreetingCoordinator(cfg.Greeting, b.timers,
		sessions.InjectSystemDirective,
		b.greetingComplete,
		func() { b.End(models.StatusNoAnswer) },
		b.log)

	b.monitors = make(map[engine.Label]*RecoveryMonitor, 2)
	for _, label := range []engine.Label{engine.LabelA, engine.LabelB} {
		label := label
		b.monitors[label] = NewRecoveryMonitor(label, cfg.Recovery,
			func() error { return sessions.Ping(label) },
			func() time.Time { return sessions.LastPong(label) },
			func(ctx context.Context) error { return sessions.Reconnect(ctx, label) },
			func() time.Duration { return retention.GapDuration(b.router.LastSentSeq(label)) },
			events, b.log)
	}
	return b
}

// Start launches the event loop, the safety worker, the heartbeat monitors,
// the greeting handshake, and the call's lifetime timers.
func (b *Bridge) Start(ctx context.Context) {
	b.ctx = ctx
	b.callMu.Lock()
	b.call.Status = models.StatusCalling
	b.call.StartedAt = time.Now().UTC()
	b.call.LastActivityAt = b.call.StartedAt
	b.callMu.Unlock()

	for _, m := range b.monitors {
		m.Start(ctx)
	}
	b.greeting.Start()

	b.timers.After("duration.warning", b.cfg.MaxDuration-b.cfg.WarningBefore, func() {
		b.publishClient(map[string]any{
			"type":         "call.warning",
			"remaining_ms": b.cfg.WarningBefore.Milliseconds(),
			"message":      "call approaching maximum duration",
		})
	})
	b.timers.After("duration.limit", b.cfg.MaxDuration, func() {
		b.log.Info("maximum call duration reached")
		b.End(models.StatusCompleted)
	})
	b.armIdleTimer()

	b.wg.Add(2)
	go b.loop()
	go b.safetyLoop()
}

// Router exposes the audio path for the transport handlers.
func (b *Bridge) Router() *AudioRouter { return b.router }

// Snapshot returns a consistent copy of the call's mutable state.
func (b *Bridge) Snapshot() models.CallSession {
	b.callMu.Lock()
	defer b.callMu.Unlock()
	return *b.call
}

// --- inbound: client channel ---

func (b *Bridge) HandleClientAudio(pcm []byte) error {
	b.touchActivity()
	return b.router.RouteClientAudio(pcm)
}

func (b *Bridge) HandleClientCommit() error {
	b.touchActivity()
	return b.router.CommitClientAudio()
}

func (b *Bridge) HandleClientText(text string) error {
	b.touchActivity()
	return b.sessions.InjectUserText(text)
}

// HandleClientVAD consumes the device-side voice-activity signal. It is
// informational only; commits drive generation.
func (b *Bridge) HandleClientVAD(speaking bool) {
	b.touchActivity()
}

// --- inbound: telephony ---

// HandleTelephoneStart attaches the carrier leg once its media socket is up.
func (b *Bridge) HandleTelephoneStart(carrierCallSID string, leg TelephoneLeg) {
	b.callMu.Lock()
	b.call.CarrierCallSID = carrierCallSID
	b.call.Status = models.StatusActive
	b.callMu.Unlock()
	b.router.AttachTelephone(leg)
	b.publishClient(map[string]any{
		"type":    "call.status",
		"status":  string(models.StatusActive),
		"message": "telephone media stream connected",
	})
}

func (b *Bridge) HandleTelephoneMedia(pcm []byte) error {
	b.touchActivity()
	return b.router.RouteTelephoneAudio(pcm)
}

// HandleTelephoneStop is the carrier-side hangup.
func (b *Bridge) HandleTelephoneStop() {
	b.End(models.StatusCompleted)
}

// --- teardown ---

// End tears the call down exactly once and reports the terminal status.
func (b *Bridge) End(status models.CallStatus) {
	b.endOnce.Do(func() {
		b.callMu.Lock()
		b.call.Status = status
		b.callMu.Unlock()
		b.timers.Stop()
		for _, m := range b.monitors {
			m.Stop()
		}
		_ = b.sessions.Close()
		b.publishClient(map[string]any{
			"type":   "call.status",
			"status": string(status),
		})
		close(b.stop)
		b.wg.Wait()
		b.log.WithField("status", string(status)).Info("call ended")
		if b.onEnd != nil {
			b.onEnd(status)
		}
	})
}

// Record assembles the final call record flushed by the persistence worker.
func (b *Bridge) Record() models.CallRecord {
	now := time.Now().UTC()
	call := b.Snapshot()
	a, bID := b.sessions.SessionIDs()

	b.safetyMu.Lock()
	safety := make([]models.GuardrailVerdict, len(b.safetyLog))
	copy(safety, b.safetyLog)
	b.safetyMu.Unlock()

	var recovery []models.RecoveryEvent
	for _, m := range b.monitors {
		recovery = append(recovery, m.AuditLog()...)
	}

	dur := int64(now.Sub(call.StartedAt).Seconds())
	if dur < 0 {
		dur = 0
	}
	return models.CallRecord{
		CallID:           call.CallID,
		UserID:           call.UserID,
		Mode:             call.Mode,
		SourceLanguage:   call.SourceLanguage,
		TargetLanguage:   call.TargetLanguage,
		Status:           call.Status,
		EngineASessionID: a,
		EngineBSessionID: bID,
		CarrierCallSID:   call.CarrierCallSID,
		Transcript:       b.sessions.Transcript(),
		SafetyEvents:     safety,
		RecoveryEvents:   recovery,
		StartedAt:        call.StartedAt,
		EndedAt:          &now,
		DurationSeconds:  dur,
		CreatedAt:        now,
	}
}

// --- event loop ---

func (b *Bridge) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case ev := <-b.events:
			b.handleEvent(ev)
		}
	}
}

func (b *Bridge) handleEvent(ev Event) {
	switch e := ev.(type) {
	case TranscriptOut:
		b.touchActivity()
		if e.Role == models.RoleUser {
			// The whole user->recipient direction funnels through the safety
			// worker so delivery order inside the direction is preserved even
			// while a tier-3 correction is in flight.
			select {
			case b.safetyCh <- e:
			case <-b.stop:
			}
			return
		}
		b.publishTranscript(e)
	case AudioOut:
		switch e.Dest {
		case DestTelephone:
			b.router.RouteEngineAudioToTelephone(e.Payload)
		case DestClient:
			b.publishClient(map[string]any{
				"type":    "audio.recipient.translated",
				"payload": e.Payload, // json marshals []byte as base64
			})
		}
	case RecipientSpeechStart:
		b.touchActivity()
		b.greeting.RecipientDetected()
		if b.router.HandleRecipientSpeechStart() {
			b.publishClient(map[string]any{
				"type":   "interrupt.detected",
				"source": "recipient",
			})
		}
	case RecipientSpeechEnd:
		b.router.HandleRecipientSpeechEnd()
	case AudioDone:
		if e.Engine == engine.LabelA {
			b.router.MarkAISpeechDone()
			b.greeting.AudioComplete()
		}
	case RecoveryNotice:
		b.publishClient(map[string]any{
			"type":   "session.recovery",
			"engine": string(e.Engine),
			"status": string(e.Status),
			"gap_ms": e.GapMS,
		})
	case EngineError:
		b.publishClient(map[string]any{
			"type":    "error",
			"code":    e.Code,
			"message": e.Message,
		})
	}
}

// safetyLoop serializes the user->recipient direction through the safety
// pipeline. A tier-3 correction blocks only this direction; telephone audio
// ingestion and interrupt handling keep flowing through the main loop.
func (b *Bridge) safetyLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case t := <-b.safetyCh:
			if !t.Translated {
				b.publishTranscript(t)
				continue
			}
			b.checkAndDeliver(t)
		}
	}
}

func (b *Bridge) checkAndDeliver(t TranscriptOut) {
	verdict := b.pipeline.Check(b.ctx, t.Text, t.Language)
	b.recordVerdict(verdict)

	switch verdict.Tier {
	case 1:
		b.publishTranscript(t)
	case 2:
		if b.pipeline.SubstituteTier2() && verdict.Corrected != "" {
			t.Text = verdict.Corrected
		}
		b.publishTranscript(t)
		b.publishGuardrail(verdict)
	case 3:
		// Stop the offending speech before anything else is heard.
		b.router.Interrupt()
		b.publishGuardrail(verdict)
		if !verdict.Pass {
			b.log.WithField("issues", verdict.Issues).Warn("utterance dropped, correction unavailable")
			return
		}
		t.Text = verdict.Corrected
		b.publishTranscript(t)
		if err := b.sessions.InjectSystemDirective("Say exactly this, verbatim: " + verdict.Corrected); err != nil {
			b.log.WithError(err).Error("corrected regeneration failed")
		}
	}
}

func (b *Bridge) recordVerdict(v models.GuardrailVerdict) {
	if v.Tier == 1 {
		return
	}
	b.safetyMu.Lock()
	b.safetyLog = append(b.safetyLog, v)
	b.safetyMu.Unlock()
}

// --- outbound helpers ---

func transcriptType(t TranscriptOut) string {
	switch {
	case t.Role == models.RoleUser && t.Translated:
		return "transcript.user.translated"
	case t.Role == models.RoleUser:
		return "transcript.user"
	case t.Translated:
		return "transcript.recipient.translated"
	default:
		return "transcript.recipient"
	}
}

func (b *Bridge) publishTranscript(t TranscriptOut) {
	b.publishClient(map[string]any{
		"type":      transcriptType(t),
		"text":      t.Text,
		"language":  t.Language,
		"timestamp": t.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (b *Bridge) publishGuardrail(v models.GuardrailVerdict) {
	msg := map[string]any{
		"type":     "guardrail.triggered",
		"tier":     v.Tier,
		"pass":     v.Pass,
		"original": v.Original,
	}
	if v.Corrected != "" {
		msg["corrected"] = v.Corrected
	}
	b.publishClient(msg)
}

func (b *Bridge) publishClient(payload map[string]any) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.publisher.Publish(ctx, b.call.CallID, payload); err != nil {
		b.log.WithError(err).Warn("client channel publish failed")
	}
}

func (b *Bridge) greetingComplete() {
	b.publishClient(map[string]any{
		"type":    "call.status",
		"status":  string(models.StatusActive),
		"message": "greeting complete",
	})
}

func (b *Bridge) touchActivity() {
	b.callMu.Lock()
	b.call.LastActivityAt = time.Now().UTC()
	b.callMu.Unlock()
	b.armIdleTimer()
}

func (b *Bridge) armIdleTimer() {
	b.timers.After("idle.warning", b.cfg.IdleTimeout, func() {
		b.publishClient(map[string]any{
			"type":         "call.warning",
			"remaining_ms": int64(0),
			"message":      "no activity detected",
		})
	})
}
