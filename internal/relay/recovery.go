package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/engine"
	"github.com/relayvox/relayvox/internal/models"
)

type RecoveryState string

const (
	StateLive       RecoveryState = "live"
	StateRecovering RecoveryState = "recovering"
	StateDegraded   RecoveryState = "degraded" // terminal for the connection, not the call
)

type RecoveryConfig struct {
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
}

func (c *RecoveryConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
}

// RecoveryMonitor heartbeats one engine connection and drives reconnection
// when it goes silent. Two consecutive unacknowledged probes declare the
// connection dead.
type RecoveryMonitor struct {
	label engine.Label
	cfg   RecoveryConfig

	probe     func() error
	lastAck   func() time.Time
	reconnect func(ctx context.Context) error
	gap       func() time.Duration

	events chan<- Event
	log    *logrus.Entry

	mu    sync.Mutex
	state RecoveryState
	audit []models.RecoveryEvent

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRecoveryMonitor wires a monitor to one engine connection. probe sends a
// liveness ping, lastAck reports the most recent acknowledgment, reconnect is
// the connection factory (it must supersede the prior transport), and gap
// reports how much buffered audio the reconnected engine missed.
func NewRecoveryMonitor(
	label engine.Label,
	cfg RecoveryConfig,
	probe func() error,
	lastAck func() time.Time,
	reconnect func(ctx context.Context) error,
	gap func() time.Duration,
	events chan<- Event,
	log *logrus.Entry,
) *RecoveryMonitor {
	cfg.applyDefaults()
	return &RecoveryMonitor{
		label:     label,
		cfg:       cfg,
		probe:     probe,
		lastAck:   lastAck,
		reconnect: reconnect,
		gap:       gap,
		events:    events,
		log:       log.WithField("engine", string(label)),
		state:     StateLive,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *RecoveryMonitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop clears the heartbeat so no stale timer can trigger spurious recovery
// against a superseded connection.
func (m *RecoveryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *RecoveryMonitor) State() RecoveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AuditLog returns a copy of the recovery event log, flushed with the call
// record at teardown.
func (m *RecoveryMonitor) AuditLog() []models.RecoveryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RecoveryEvent, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *RecoveryMonitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probedAt := time.Now()
		if err := m.probe(); err != nil {
			misses++
		} else if !m.sleep(m.cfg.AckTimeout) {
			return
		} else if m.lastAck().Before(probedAt) {
			misses++
		} else {
			misses = 0
		}

		if misses >= 2 {
			if !m.recover(ctx) {
				return
			}
			misses = 0
		}
	}
}

// recover runs the capped-exponential-backoff reconnect loop. Returns false
// once the connection is degraded.
func (m *RecoveryMonitor) recover(ctx context.Context) bool {
	m.setState(StateRecovering)
	m.record(models.RecoveryEvent{Kind: models.RecoveryDisconnect})
	m.publish(RecoveryNotice{Engine: m.label, Status: RecoveryStatusRecovering})
	m.log.Warn("engine connection lost, recovering")

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if !m.sleep(backoffDelay(attempt, m.cfg.BaseDelay, m.cfg.MaxDelay)) {
			return false
		}

		m.record(models.RecoveryEvent{Kind: models.RecoveryReconnectAttempt, Attempt: attempt})
		if err := m.reconnect(ctx); err != nil {
			m.record(models.RecoveryEvent{Kind: models.RecoveryReconnectFailed, Attempt: attempt, Error: err.Error()})
			m.log.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")
			continue
		}

		gapMS := m.gap().Milliseconds()
		m.record(models.RecoveryEvent{Kind: models.RecoveryReconnectSuccess, Attempt: attempt, GapMS: gapMS})
		m.publish(RecoveryNotice{Engine: m.label, Status: RecoveryStatusReconnected, GapMS: gapMS})
		m.setState(StateLive)
		m.log.WithFields(logrus.Fields{"attempt": attempt, "gap_ms": gapMS}).Info("engine reconnected")
		return true
	}

	m.record(models.RecoveryEvent{Kind: models.RecoveryDegradedMode})
	m.publish(RecoveryNotice{Engine: m.label, Status: RecoveryStatusDegraded})
	m.setState(StateDegraded)
	m.log.Error("reconnect attempts exhausted, entering degraded mode")
	return false
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (m *RecoveryMonitor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.stop:
		return false
	case <-t.C:
		return true
	}
}

func (m *RecoveryMonitor) setState(s RecoveryState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *RecoveryMonitor) record(ev models.RecoveryEvent) {
	ev.Timestamp = time.Now().UTC()
	ev.Engine = string(m.label)
	m.mu.Lock()
	m.audit = append(m.audit, ev)
	m.mu.Unlock()
}

func (m *RecoveryMonitor) publish(e Event) {
	select {
	case m.events <- e:
	case <-m.stop:
	}
}
