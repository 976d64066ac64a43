// Package attribution tracks short command windows so that an automated
// reply following a user's command can be shown under the automation's
// identity instead of the user's.
package attribution

import (
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/cory-johannsen/worldrelay/internal/textutil"
)

// Window is an open attribution window for one requester.
type Window struct {
	Requester string
	Command   string
	OpenedAt  time.Time
	ExpiresAt time.Time
}

// Tracker holds at most one Window per folded requester identity.
// It is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	duration   time.Duration
	maxCommand int
	windows    map[string]Window
}

// NewTracker creates an empty Tracker.
//
// Precondition: clock must not be nil; duration > 0; maxCommand > 0.
func NewTracker(clock clockwork.Clock, duration time.Duration, maxCommand int) *Tracker {
	return &Tracker{
		clock:      clock,
		duration:   duration,
		maxCommand: maxCommand,
		windows:    make(map[string]Window),
	}
}

// IsCommand reports whether text looks like a short command aimed at an
// automated participant: at most maxCommand runes, a leading punctuation or
// symbol rune, and at least one letter or digit.
func (t *Tracker) IsCommand(text string) bool {
	if text == "" || utf8.RuneCountInString(text) > t.maxCommand {
		return false
	}
	first, _ := utf8.DecodeRuneInString(text)
	if !unicode.IsPunct(first) && !unicode.IsSymbol(first) {
		return false
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Open starts (or restarts) the window for requester with the triggering
// command text.
//
// Postcondition: For(requester) returns the new window until its expiry.
func (t *Tracker) Open(requester, command string) Window {
	now := t.clock.Now()
	w := Window{Requester: requester, Command: command, OpenedAt: now, ExpiresAt: now.Add(t.duration)}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[textutil.Fold(requester)] = w
	return w
}

// For returns the live window opened by requester.
func (t *Tracker) For(requester string) (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	w, ok := t.windows[textutil.Fold(requester)]
	return w, ok
}

// Active returns the most recently opened live window of any requester.
func (t *Tracker) Active() (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	var best Window
	found := false
	for _, w := range t.windows {
		if !found || w.OpenedAt.After(best.OpenedAt) {
			best, found = w, true
		}
	}
	return best, found
}

// Consume removes requester's window and reports whether one was live.
func (t *Tracker) Consume(requester string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	k := textutil.Fold(requester)
	_, ok := t.windows[k]
	delete(t.windows, k)
	return ok
}

// Len returns the number of live windows.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	return len(t.windows)
}

func (t *Tracker) expireLocked() {
	now := t.clock.Now()
	for k, w := range t.windows {
		if now.After(w.ExpiresAt) {
			delete(t.windows, k)
		}
	}
}
