package relay

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultGreetingTimeout = 15 * time.Second

type greetingState int

const (
	greetingWaiting greetingState = iota
	greetingDetected
	greetingDone
	greetingTimedOut
)

type GreetingConfig struct {
	Timeout time.Duration
	// Text is the mandated AI-disclosure greeting injected into Engine A
	// once the recipient speaks.
	Text string
}

// GreetingCoordinator is the one-shot pickup handshake. Exactly one of the
// two outcomes ever fires: handshake complete, or no answer. Upstream events
// can legitimately repeat, so every transition is idempotent.
type GreetingCoordinator struct {
	cfg    GreetingConfig
	timers *timerSet
	log    *logrus.Entry

	inject     func(text string) error
	onComplete func()
	onNoAnswer func()

	mu    sync.Mutex
	state greetingState
}

func NewGreetingCoordinator(cfg GreetingConfig, timers *timerSet, inject func(string) error, onComplete, onNoAnswer func(), log *logrus.Entry) *GreetingCoordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGreetingTimeout
	}
	if cfg.Text == "" {
		cfg.Text = "Announce that you are an AI assistant interpreting this call on the caller's behalf, then greet the recipient."
	}
	return &GreetingCoordinator{
		cfg:        cfg,
		timers:     timers,
		log:        log,
		inject:     inject,
		onComplete: onComplete,
		onNoAnswer: onNoAnswer,
		state:      greetingWaiting,
	}
}

// Start arms the no-answer timeout.
func (g *GreetingCoordinator) Start() {
	g.timers.After("greeting.timeout", g.cfg.Timeout, g.timedOut)
}

// RecipientDetected is called on the recipient's first speech. Cancels the
// timeout and injects the disclosure greeting, once.
func (g *GreetingCoordinator) RecipientDetected() {
	g.mu.Lock()
	if g.state != greetingWaiting {
		g.mu.Unlock()
		return
	}
	g.state = greetingDetected
	g.mu.Unlock()

	g.timers.Cancel("greeting.timeout")
	g.log.Info("recipient pickup detected, injecting disclosure greeting")
	if err := g.inject(g.cfg.Text); err != nil {
		g.log.WithError(err).Error("greeting injection failed")
	}
}

// AudioComplete is called when Engine A finishes speaking. Only meaningful
// for the greeting's own audio; later responses are ignored.
func (g *GreetingCoordinator) AudioComplete() {
	g.mu.Lock()
	if g.state != greetingDetected {
		g.mu.Unlock()
		return
	}
	g.state = greetingDone
	g.mu.Unlock()

	g.log.Info("greeting handshake complete")
	g.onComplete()
}

// Completed reports whether the handshake finished and normal conversation
// is enabled.
func (g *GreetingCoordinator) Completed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == greetingDone
}

func (g *GreetingCoordinator) timedOut() {
	g.mu.Lock()
	if g.state != greetingWaiting {
		g.mu.Unlock()
		return
	}
	g.state = greetingTimedOut
	g.mu.Unlock()

	g.log.Warn("no recipient speech before timeout, treating as no answer")
	g.onNoAnswer()
}
