package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/engine"
	"github.com/relayvox/relayvox/internal/models"
	"github.com/relayvox/relayvox/internal/utils"
)

const defaultSetupTimeout = 10 * time.Second

// EngineConn is the surface the session manager needs from one engine
// connection. *engine.Connection satisfies it; tests substitute fakes.
type EngineConn interface {
	SessionID() string
	Events() <-chan engine.Event
	AppendAudio(pcm []byte) error
	CommitAudio() error
	InjectText(text string) error
	InjectDirective(text string) error
	CancelResponse() error
	Ping() error
	LastPong() time.Time
	Closed() bool
	Close() error
}

// DialFunc is the engine connection factory.
type DialFunc func(ctx context.Context, label engine.Label, cfg engine.Config) (EngineConn, error)

// DefaultDial dials a real websocket engine connection.
func DefaultDial(log *logrus.Entry) DialFunc {
	return func(ctx context.Context, label engine.Label, cfg engine.Config) (EngineConn, error) {
		return engine.Dial(ctx, label, cfg, log)
	}
}

type SessionManagerConfig struct {
	EngineA      engine.Config
	EngineB      engine.Config
	SetupTimeout time.Duration
}

// SessionManager owns the two engine connections and translates each
// engine's event stream into the call's normalized event vocabulary. Engine A
// faces the user (source language in, target language out), Engine B faces
// the recipient (the reverse).
type SessionManager struct {
	call   *models.CallSession
	cfg    SessionManagerConfig
	dial   DialFunc
	events chan<- Event
	log    *logrus.Entry

	mu    sync.Mutex
	conns map[engine.Label]EngineConn

	transcriptMu sync.Mutex
	transcript   []models.TranscriptEvent

	closed   chan struct{}
	closeRun sync.Once
	wg       sync.WaitGroup
}

func NewSessionManager(call *models.CallSession, cfg SessionManagerConfig, dial DialFunc, events chan<- Event, log *logrus.Entry) *SessionManager {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	return &SessionManager{
		call:   call,
		cfg:    cfg,
		dial:   dial,
		events: events,
		log:    log,
		conns:  make(map[engine.Label]EngineConn),
		closed: make(chan struct{}),
	}
}

// Connect races both engine handshakes in parallel. Either failure within
// the setup timeout fails the whole call setup.
func (m *SessionManager) Connect(ctx context.Context) error {
	const op = "SessionManager.Connect"

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SetupTimeout)
	defer cancel()

	type result struct {
		label engine.Label
		conn  EngineConn
		err   error
	}
	results := make(chan result, 2)
	for _, d := range []struct {
		label engine.Label
		cfg   engine.Config
	}{
		{engine.LabelA, m.cfg.EngineA},
		{engine.LabelB, m.cfg.EngineB},
	} {
		go func(label engine.Label, cfg engine.Config) {
			conn, err := m.dial(ctx, label, cfg)
			results <- result{label: label, conn: conn, err: err}
		}(d.label, d.cfg)
	}

	conns := make(map[engine.Label]EngineConn, 2)
	var firstErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		conns[r.label] = r.conn
	}
	if firstErr != nil {
		for _, c := range conns {
			_ = c.Close()
		}
		return utils.E(utils.CodeUnavailable, op, "engine session setup failed", firstErr)
	}

	m.mu.Lock()
	for label, conn := range conns {
		m.conns[label] = conn
		m.wg.Add(1)
		go m.translate(label, conn)
	}
	m.mu.Unlock()
	return nil
}

// Reconnect supersedes the labeled connection with a fresh one. The prior
// transport is closed before the new dial so the two never coexist.
func (m *SessionManager) Reconnect(ctx context.Context, label engine.Label) error {
	const op = "SessionManager.Reconnect"

	m.mu.Lock()
	old := m.conns[label]
	delete(m.conns, label)
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	cfg := m.cfg.EngineA
	if label == engine.LabelB {
		cfg = m.cfg.EngineB
	}
	conn, err := m.dial(ctx, label, cfg)
	if err != nil {
		return utils.E(utils.CodeUnavailable, op, fmt.Sprintf("engine %s reconnect failed", label), err)
	}

	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		_ = conn.Close()
		return utils.E(utils.CodeUnavailable, op, "session manager is closed", nil)
	default:
	}
	m.conns[label] = conn
	m.wg.Add(1)
	go m.translate(label, conn)
	m.mu.Unlock()
	return nil
}

func (m *SessionManager) conn(label engine.Label) (EngineConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[label]
	if !ok || c.Closed() {
		return nil, utils.E(utils.CodeUnavailable, "SessionManager.conn",
			fmt.Sprintf("engine %s is not connected", label), nil)
	}
	return c, nil
}

// AppendUserAudio forwards user speech into Engine A's input buffer.
func (m *SessionManager) AppendUserAudio(pcm []byte) error {
	c, err := m.conn(engine.LabelA)
	if err != nil {
		return err
	}
	return c.AppendAudio(pcm)
}

// CommitUserAudio commits buffered user speech and triggers generation.
func (m *SessionManager) CommitUserAudio() error {
	c, err := m.conn(engine.LabelA)
	if err != nil {
		return err
	}
	return c.CommitAudio()
}

// AppendTelephoneAudio forwards recipient speech into Engine B.
func (m *SessionManager) AppendTelephoneAudio(pcm []byte) error {
	c, err := m.conn(engine.LabelB)
	if err != nil {
		return err
	}
	return c.AppendAudio(pcm)
}

// InjectUserText feeds typed user text to Engine A, triggering generation.
func (m *SessionManager) InjectUserText(text string) error {
	c, err := m.conn(engine.LabelA)
	if err != nil {
		return err
	}
	return c.InjectText(text)
}

// InjectSystemDirective feeds a system item to Engine A. Used for the
// disclosure greeting and for safety-corrected regeneration.
func (m *SessionManager) InjectSystemDirective(text string) error {
	c, err := m.conn(engine.LabelA)
	if err != nil {
		return err
	}
	return c.InjectDirective(text)
}

// CancelGeneration cancels Engine A's in-flight response. Safe to call with
// nothing in flight.
func (m *SessionManager) CancelGeneration() error {
	c, err := m.conn(engine.LabelA)
	if err != nil {
		return err
	}
	return c.CancelResponse()
}

// Ping probes the labeled engine for liveness.
func (m *SessionManager) Ping(label engine.Label) error {
	c, err := m.conn(label)
	if err != nil {
		return err
	}
	return c.Ping()
}

// LastPong reports the labeled engine's most recent probe acknowledgment.
func (m *SessionManager) LastPong(label engine.Label) time.Time {
	m.mu.Lock()
	c, ok := m.conns[label]
	m.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return c.LastPong()
}

// SessionIDs returns both engine session identifiers for the call record.
func (m *SessionManager) SessionIDs() (a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[engine.LabelA]; ok {
		a = c.SessionID()
	}
	if c, ok := m.conns[engine.LabelB]; ok {
		b = c.SessionID()
	}
	return a, b
}

// Transcript returns a copy of the ordered transcript log.
func (m *SessionManager) Transcript() []models.TranscriptEvent {
	m.transcriptMu.Lock()
	defer m.transcriptMu.Unlock()
	out := make([]models.TranscriptEvent, len(m.transcript))
	copy(out, m.transcript)
	return out
}

// Close tears down both engine connections and waits for the translators to
// drain.
func (m *SessionManager) Close() error {
	m.closeRun.Do(func() {
		close(m.closed)
		m.mu.Lock()
		conns := make([]EngineConn, 0, len(m.conns))
		for label, c := range m.conns {
			conns = append(conns, c)
			delete(m.conns, label)
		}
		m.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	m.wg.Wait()
	return nil
}

// translate is the per-label event translator: one engine's stream in, the
// call's normalized events out. Events within one direction stay in the
// order the engine emitted them.
func (m *SessionManager) translate(label engine.Label, conn EngineConn) {
	defer m.wg.Done()

	role := models.RoleUser
	originalLang := m.call.SourceLanguage
	translatedLang := m.call.TargetLanguage
	audioDest := DestTelephone
	if label == engine.LabelB {
		role = models.RoleRecipient
		originalLang = m.call.TargetLanguage
		translatedLang = m.call.SourceLanguage
		audioDest = DestClient
	}

	for ev := range conn.Events() {
		switch e := ev.(type) {
		case engine.SpeechStartedEvent:
			if label == engine.LabelB {
				m.publish(RecipientSpeechStart{})
			}
		case engine.SpeechStoppedEvent:
			if label == engine.LabelB {
				m.publish(RecipientSpeechEnd{})
			}
		case engine.InputTranscriptEvent:
			if e.Text == "" {
				continue
			}
			entry := models.TranscriptEvent{
				Role:      role,
				Text:      e.Text,
				Language:  originalLang,
				Timestamp: time.Now().UTC(),
			}
			m.appendTranscript(entry)
			m.publish(TranscriptOut{
				Role:      role,
				Text:      e.Text,
				Language:  originalLang,
				Timestamp: entry.Timestamp,
			})
		case engine.ResponseTextDoneEvent:
			if e.Text == "" {
				continue
			}
			m.attachTranslation(role, e.Text, translatedLang)
			m.publish(TranscriptOut{
				Role:       role,
				Text:       e.Text,
				Translated: true,
				Language:   translatedLang,
				Timestamp:  time.Now().UTC(),
			})
		case engine.ResponseAudioDeltaEvent:
			m.publish(AudioOut{Dest: audioDest, Payload: e.Audio})
		case engine.ResponseAudioDoneEvent:
			m.publish(AudioDone{Engine: label})
		case engine.ErrorEvent:
			m.publish(EngineError{Engine: label, Code: e.Code, Message: e.Message})
		}
	}
}

func (m *SessionManager) appendTranscript(entry models.TranscriptEvent) {
	m.transcriptMu.Lock()
	m.transcript = append(m.transcript, entry)
	m.transcriptMu.Unlock()
}

// attachTranslation pairs a finished translation with the most recent
// untranslated entry for the role. The engine emits finals in order within
// one direction, so the last open entry is the right one.
func (m *SessionManager) attachTranslation(role models.SpeakerRole, text, lang string) {
	m.transcriptMu.Lock()
	defer m.transcriptMu.Unlock()
	for i := len(m.transcript) - 1; i >= 0; i-- {
		if m.transcript[i].Role == role && m.transcript[i].Translated == "" {
			m.transcript[i].Translated = text
			return
		}
	}
	// Generation without a matching input transcript (text injection or the
	// greeting); record it as its own entry.
	m.transcript = append(m.transcript, models.TranscriptEvent{
		Role:       role,
		Translated: text,
		Language:   lang,
		Timestamp:  time.Now().UTC(),
	})
}

func (m *SessionManager) publish(e Event) {
	select {
	case m.events <- e:
	case <-m.closed:
	}
}
