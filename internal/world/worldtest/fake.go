// Package worldtest provides scriptable world sessions for tests.
package worldtest

import (
	"context"
	"errors"
	"sync"

	"github.com/cory-johannsen/worldrelay/internal/world"
)

// Session is a world.Session driven by the test.
type Session struct {
	identity string
	events   chan world.Event

	mu       sync.Mutex
	sent     []string
	closed   bool
	ended    bool
	sendErr  error
	closeCnt int
}

var _ world.Session = (*Session)(nil)

// NewSession creates an open Session.
func NewSession(identity string) *Session {
	return &Session{identity: identity, events: make(chan world.Event, 64)}
}

func (s *Session) Events() <-chan world.Event { return s.events }

func (s *Session) Identity() string { return s.identity }

func (s *Session) SendCommand(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return world.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, text)
	return nil
}

// Close marks the session closed and ends its event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.closeCnt++
	s.mu.Unlock()
	s.End("closed")
	return nil
}

// Push delivers ev unless the stream has ended.
func (s *Session) Push(ev world.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
}

// Spawn pushes EventSpawn.
func (s *Session) Spawn() { s.Push(world.Event{Kind: world.EventSpawn}) }

// Kick pushes EventKicked followed by End.
func (s *Session) Kick(reason string) {
	s.Push(world.Event{Kind: world.EventKicked, Reason: reason})
	s.End(reason)
}

// End pushes EventEnd and closes the stream. Safe to call multiple times.
func (s *Session) End(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.events <- world.Event{Kind: world.EventEnd, Reason: reason}
	close(s.events)
}

// FailSends makes SendCommand return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns every command sent so far.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ErrDialFailed is returned by a Dialer told to fail.
var ErrDialFailed = errors.New("dial failed")

// Dialer hands out a fresh Session per Dial and records them.
type Dialer struct {
	identity string

	mu       sync.Mutex
	sessions []*Session
	fail     int
}

var _ world.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer whose sessions use identity.
func NewDialer(identity string) *Dialer {
	return &Dialer{identity: identity}
}

// FailNext makes the next n Dial calls fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

func (d *Dialer) Dial(context.Context) (world.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		d.sessions = append(d.sessions, nil)
		return nil, ErrDialFailed
	}
	s := NewSession(d.identity)
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Dials returns how many Dial calls were made.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Last returns the most recent successful session, or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.sessions) - 1; i >= 0; i-- {
		if d.sessions[i] != nil {
			return d.sessions[i]
		}
	}
	return nil
}
