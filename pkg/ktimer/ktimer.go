// Package ktimer is a keyed one-shot timer service. Setting a key that is
// already armed replaces the earlier timer.
package ktimer

import (
	"sync"
	"time"
)

type Service struct {
	mu     sync.Mutex
	timers map[uint64]*entry
	closed bool
}

type entry struct {
	t *time.Timer
}

func New() *Service {
	return &Service{timers: make(map[uint64]*entry)}
}

// Set arms fire to run after delay under key. fire runs on its own goroutine
// and must not block for long.
func (s *Service) Set(delay time.Duration, key uint64, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.t.Stop()
	}
	e := &entry{}
	e.t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] != e {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fire()
	})
	s.timers[key] = e
}

// Cancel disarms key and reports whether it was armed.
func (s *Service) Cancel(key uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(s.timers, key)
	return true
}

func (s *Service) Pending(key uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Stop disarms every timer. Set is a no-op afterwards.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.timers {
		e.t.Stop()
		delete(s.timers, k)
	}
	s.closed = true
}
