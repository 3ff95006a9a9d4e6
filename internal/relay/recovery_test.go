package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/engine"
	"github.com/relayvox/relayvox/internal/models"
)

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 10 * time.Second

	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for k := 1; k <= 5; k++ {
		if got := backoffDelay(k, base, max); got != want[k-1] {
			t.Fatalf("backoffDelay(%d) = %v, want %v", k, got, want[k-1])
		}
	}
	// Cap applies past the fifth attempt.
	if got := backoffDelay(7, base, max); got != max {
		t.Fatalf("backoffDelay(7) = %v, want %v", got, max)
	}
	if got := backoffDelay(3, 4*time.Second, 5*time.Second); got != 5*time.Second {
		t.Fatalf("capped backoffDelay(3) = %v, want 5s", got)
	}
}

func fastRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		HeartbeatInterval: 5 * time.Millisecond,
		AckTimeout:        2 * time.Millisecond,
		MaxAttempts:       5,
		BaseDelay:         time.Millisecond,
		MaxDelay:          4 * time.Millisecond,
	}
}

func TestRecoveryMonitor_ReconnectsAndReportsGap(t *testing.T) {
	events := make(chan Event, 32)

	var mu sync.Mutex
	acked := time.Now()
	healthy := false

	probe := func() error { return nil }
	lastAck := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return time.Now()
		}
		return acked
	}
	reconnect := func(ctx context.Context) error {
		mu.Lock()
		healthy = true
		mu.Unlock()
		return nil
	}
	gap := func() time.Duration { return 1200 * time.Millisecond }

	m := NewRecoveryMonitor(engine.LabelB, fastRecoveryConfig(), probe, lastAck, reconnect, gap, events, testEntry())
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	var recovering, reconnected bool
	for !reconnected {
		select {
		case ev := <-events:
			n, ok := ev.(RecoveryNotice)
			if !ok {
				continue
			}
			switch n.Status {
			case RecoveryStatusRecovering:
				recovering = true
			case RecoveryStatusReconnected:
				reconnected = true
				if n.GapMS != 1200 {
					t.Fatalf("gap_ms = %d, want 1200", n.GapMS)
				}
			case RecoveryStatusDegraded:
				t.Fatalf("unexpected degraded transition")
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reconnect (recovering=%v)", recovering)
		}
	}
	if !recovering {
		t.Fatalf("never saw recovering notice before reconnect")
	}
	if m.State() != StateLive {
		t.Fatalf("state = %q, want live", m.State())
	}

	audit := m.AuditLog()
	var success int
	for _, ev := range audit {
		if ev.Kind == models.RecoveryReconnectSuccess {
			success++
			if ev.GapMS != 1200 {
				t.Fatalf("audit gap_ms = %d, want 1200", ev.GapMS)
			}
		}
		if ev.Engine != "B" {
			t.Fatalf("audit engine = %q, want B", ev.Engine)
		}
	}
	if success != 1 {
		t.Fatalf("reconnect_success recorded %d times, want 1", success)
	}
}

func TestRecoveryMonitor_DegradesExactlyOnceAfterFiveFailures(t *testing.T) {
	events := make(chan Event, 64)

	stale := time.Now().Add(-time.Minute)
	var attempts int
	var mu sync.Mutex

	m := NewRecoveryMonitor(engine.LabelA, fastRecoveryConfig(),
		func() error { return nil },
		func() time.Time { return stale },
		func(ctx context.Context) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("engine unreachable")
		},
		func() time.Duration { return 0 },
		events, testEntry())
	m.Start(context.Background())

	deadline := time.After(2 * time.Second)
	degraded := 0
	for degraded == 0 {
		select {
		case ev := <-events:
			if n, ok := ev.(RecoveryNotice); ok && n.Status == RecoveryStatusDegraded {
				degraded++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for degraded mode")
		}
	}

	// Drain anything still queued; degraded must not repeat.
	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if n, ok := ev.(RecoveryNotice); ok && n.Status == RecoveryStatusDegraded {
				degraded++
			}
			continue
		default:
		}
		break
	}
	if degraded != 1 {
		t.Fatalf("degraded reported %d times, want exactly 1", degraded)
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 5 {
		t.Fatalf("reconnect attempts = %d, want 5", got)
	}
	if m.State() != StateDegraded {
		t.Fatalf("state = %q, want degraded", m.State())
	}
	m.Stop()

	audit := m.AuditLog()
	var kinds []models.RecoveryEventKind
	for _, ev := range audit {
		kinds = append(kinds, ev.Kind)
	}
	if kinds[0] != models.RecoveryDisconnect {
		t.Fatalf("first audit event = %q, want disconnect", kinds[0])
	}
	if kinds[len(kinds)-1] != models.RecoveryDegradedMode {
		t.Fatalf("last audit event = %q, want degraded_mode", kinds[len(kinds)-1])
	}
}

func TestRecoveryMonitor_StopClearsHeartbeat(t *testing.T) {
	events := make(chan Event, 8)
	var probes int
	var mu sync.Mutex

	m := NewRecoveryMonitor(engine.LabelA, fastRecoveryConfig(),
		func() error {
			mu.Lock()
			probes++
			mu.Unlock()
			return nil
		},
		func() time.Time { return time.Now() },
		func(ctx context.Context) error { return nil },
		func() time.Duration { return 0 },
		events, testEntry())
	m.Start(context.Background())

	time.Sleep(25 * time.Millisecond)
	m.Stop()

	mu.Lock()
	after := probes
	mu.Unlock()
	time.Sleep(25 * time.Millisecond)
	mu.Lock()
	final := probes
	mu.Unlock()

	if final != after {
		t.Fatalf("probe fired after Stop: %d -> %d", after, final)
	}
}
