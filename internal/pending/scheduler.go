// Package pending schedules delayed public relays that a racing whisper or
// self-echo can still cancel.
package pending

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/cory-johannsen/worldrelay/internal/textutil"
)

// Key identifies a pending relay by sender and normalized text.
type Key struct {
	Identity string
	Text     string
}

func newKey(identity, text string) Key {
	return Key{Identity: textutil.Fold(identity), Text: text}
}

type entry struct {
	id    uuid.UUID
	timer clockwork.Timer
}

// Scheduler holds at most one cancelable timer per Key.
// It is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[Key]entry
}

// NewScheduler creates an empty Scheduler.
//
// Precondition: clock must not be nil.
func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{clock: clock, entries: make(map[Key]entry)}
}

// Schedule arranges for fire to run after delay unless canceled first. An
// existing entry for the same (identity, text) is canceled and replaced.
// fire is called in a separate goroutine, after the entry has been removed.
//
// Precondition: delay > 0; fire must not be nil.
// Postcondition: Pending(identity, text) is true until fire runs or Cancel is called.
func (s *Scheduler) Schedule(identity, text string, delay time.Duration, fire func()) {
	k := newKey(identity, text)
	id := uuid.New()

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[k]; ok {
		old.timer.Stop()
	}
	timer := s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.entries[k]
		if !ok || cur.id != id {
			s.mu.Unlock()
			return
		}
		delete(s.entries, k)
		s.mu.Unlock()
		fire()
	})
	s.entries[k] = entry{id: id, timer: timer}
}

// Cancel stops the pending relay for (identity, text). It reports whether an
// entry was canceled. Safe to call when nothing is pending.
//
// Postcondition: the canceled entry's fire func will not be called.
func (s *Scheduler) Cancel(identity, text string) bool {
	k := newKey(identity, text)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, k)
	return true
}

// Pending reports whether a relay is waiting for (identity, text).
func (s *Scheduler) Pending(identity, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[newKey(identity, text)]
	return ok
}

// Len returns the number of waiting relays.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StopAll cancels every waiting relay.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, k)
	}
}
