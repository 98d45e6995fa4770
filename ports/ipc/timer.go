package ipc

import (
	"sync"
	"time"
)

// Timer is a one-shot timer. Arm schedules fire after delay; Cancel
// stops a pending fire. Re-arming a pending timer replaces it.
type Timer interface {
	Arm(delay time.Duration, fire func())
	Cancel()
}

// TimerFactory creates timers; the coordinator allocates its shutdown
// timer through one so tests can substitute a manual clock or force
// creation failures.
type TimerFactory func() (Timer, error)

type stdTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

// NewTimer returns a Timer backed by time.AfterFunc.
func NewTimer() (Timer, error) {
	return &stdTimer{}, nil
}

func (s *stdTimer) Arm(delay time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
	}
	s.t = time.AfterFunc(delay, fire)
}

func (s *stdTimer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}
