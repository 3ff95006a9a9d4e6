package relay

import (
	"sync"
	"time"
)

// timerSet owns every scheduled task for one call. Stop cancels everything
// and guarantees no task fires against torn-down call state afterwards.
type timerSet struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

// After schedules fn under a name, replacing any pending task with the same
// name.
func (s *timerSet) After(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	s.timers[name] = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, name)
		s.mu.Unlock()
		fn()
	})
}

func (s *timerSet) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

func (s *timerSet) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
}
