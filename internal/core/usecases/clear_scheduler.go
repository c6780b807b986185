package usecases

import (
	"sync"
	"time"

	"github.com/samirrijal/bilbotrack/internal/pkg/clock"
)

// ClearScheduler holds at most one pending deferred clear per subscription.
//
// Every scheduled entry carries a generation number. The callback receives
// it and must call Claim before acting; Claim fails once the entry has been
// replaced or cancelled, so a late timer cannot remove a newer alert that
// reuses the same subscription id.
type ClearScheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	gen     uint64
	entries map[string]scheduledClear
}

type scheduledClear struct {
	gen   uint64
	timer clock.Timer
}

// NewClearScheduler creates a scheduler driven by c.
func NewClearScheduler(c clock.Clock) *ClearScheduler {
	return &ClearScheduler{clock: c, entries: make(map[string]scheduledClear)}
}

// Schedule arranges for fn to run after delay, replacing any pending entry for id.
func (s *ClearScheduler) Schedule(id string, delay time.Duration, fn func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[id]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.entries[id] = scheduledClear{
		gen:   gen,
		timer: s.clock.AfterFunc(delay, func() { fn(gen) }),
	}
}

// Claim consumes the entry for id if gen is still current.
func (s *ClearScheduler) Claim(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.entries, id)
	return true
}

// Cancel drops the pending entry for id. It reports whether one existed.
func (s *ClearScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, id)
	return true
}

// CancelAll drops every pending entry.
func (s *ClearScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}

// Pending reports whether a clear is scheduled for id.
func (s *ClearScheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of pending clears.
func (s *ClearScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
