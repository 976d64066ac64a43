// Package suppress holds short-lived markers that stop a message from being
// relayed twice through two different paths.
package suppress

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cory-johannsen/worldrelay/internal/textutil"
)

// Kind distinguishes why a message is suppressed.
type Kind int

const (
	// Whisper marks a message already delivered as a private whisper.
	Whisper Kind = iota
	// Outbound marks a message the relay itself sent privately.
	Outbound
)

// String returns the marker kind name.
func (k Kind) String() string {
	switch k {
	case Whisper:
		return "whisper"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type key struct {
	kind     Kind
	identity string
	text     string
}

// Marker is a single suppression entry.
type Marker struct {
	Kind      Kind
	Identity  string
	Text      string
	CreatedAt time.Time
}

// Store is a TTL-bounded set of suppression markers.
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     map[Kind]time.Duration
	markers map[key]Marker
}

// NewStore creates an empty Store.
//
// Precondition: clock must not be nil; whisperTTL and outboundTTL must be > 0.
func NewStore(clock clockwork.Clock, whisperTTL, outboundTTL time.Duration) *Store {
	return &Store{
		clock: clock,
		ttl: map[Kind]time.Duration{
			Whisper:  whisperTTL,
			Outbound: outboundTTL,
		},
		markers: make(map[key]Marker),
	}
}

// TTL returns the configured lifetime for markers of kind.
func (s *Store) TTL(kind Kind) time.Duration {
	return s.ttl[kind]
}

// Mark records a marker for (kind, identity, text), replacing any older
// marker with the same key.
//
// Postcondition: Has(kind, identity, text) reports true until TTL(kind) has
// elapsed.
func (s *Store) Mark(kind Kind, identity, text string) {
	k := key{kind: kind, identity: textutil.Fold(identity), text: text}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[k] = Marker{Kind: kind, Identity: identity, Text: text, CreatedAt: s.clock.Now()}
}

// Has reports whether a live marker exists for (kind, identity, text).
// Expired markers are collected as a side effect.
func (s *Store) Has(kind Kind, identity, text string) bool {
	k := key{kind: kind, identity: textutil.Fold(identity), text: text}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	_, ok := s.markers[k]
	return ok
}

// Sweep removes every expired marker and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

// Len returns the number of markers held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markers)
}

// sweepLocked drops markers older than their TTL. A marker is still alive
// when its age equals the TTL exactly.
func (s *Store) sweepLocked() int {
	now := s.clock.Now()
	removed := 0
	for k, m := range s.markers {
		if now.Sub(m.CreatedAt) > s.ttl[k.kind] {
			delete(s.markers, k)
			removed++
		}
	}
	return removed
}
