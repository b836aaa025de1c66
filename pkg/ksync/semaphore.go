// Package ksync holds the blocking primitives shared by the mailbox table and
// the TCB table.
package ksync

import "sync"

// Semaphore is a counting semaphore whose waiters can be flushed.
//
// Reset bumps the epoch and wakes every goroutine blocked in WaitEpoch for an
// older epoch. Callers that must not miss a reset between releasing their own
// lock and blocking read the epoch while still holding that lock.
type Semaphore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	count   int
	epoch   uint64
	waiters int
}

func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{count: count}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Semaphore) Signal() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// Wait blocks until the count is positive and takes one unit. It returns
// false if the semaphore was reset while waiting.
func (s *Semaphore) Wait() bool {
	s.mu.Lock()
	e := s.epoch
	s.mu.Unlock()
	return s.WaitEpoch(e)
}

// WaitEpoch is Wait against a previously observed epoch. It returns false
// immediately if the semaphore has been reset since e.
func (s *Semaphore) WaitEpoch(e uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waiters++
	for s.epoch == e && s.count == 0 {
		s.cond.Wait()
	}
	s.waiters--
	if s.epoch != e {
		return false
	}
	s.count--
	return true
}

// TryWait takes one unit without blocking.
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return false
	}
	s.count--
	return true
}

// Reset zeroes the count and releases every current waiter.
func (s *Semaphore) Reset() {
	s.mu.Lock()
	s.epoch++
	s.count = 0
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Semaphore) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters
}
