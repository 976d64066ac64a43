package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cory-johannsen/worldrelay/internal/textutil"
)

// Memory is an in-process Store used when no database is configured and in
// tests. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	whitelist map[string]string
	ignored   map[string]string
	keywords  map[Subscription]struct{}
	seen      map[string]PlayerSeen
	owners    map[string]DialogOwner
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		whitelist: make(map[string]string),
		ignored:   make(map[string]string),
		keywords:  make(map[Subscription]struct{}),
		seen:      make(map[string]PlayerSeen),
		owners:    make(map[string]DialogOwner),
	}
}

func (m *Memory) IsWhitelisted(_ context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.whitelist[textutil.Fold(identity)]
	return ok, nil
}

func (m *Memory) AddWhitelist(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist[textutil.Fold(identity)] = identity
	return nil
}

func (m *Memory) RemoveWhitelist(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := textutil.Fold(identity)
	if _, ok := m.whitelist[k]; !ok {
		return ErrNotFound
	}
	delete(m.whitelist, k)
	return nil
}

func (m *Memory) ListWhitelist(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.whitelist), nil
}

func (m *Memory) IsIgnored(_ context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ignored[textutil.Fold(identity)]
	return ok, nil
}

func (m *Memory) AddIgnored(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored[textutil.Fold(identity)] = identity
	return nil
}

func (m *Memory) RemoveIgnored(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := textutil.Fold(identity)
	if _, ok := m.ignored[k]; !ok {
		return ErrNotFound
	}
	delete(m.ignored, k)
	return nil
}

func (m *Memory) ListIgnored(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.ignored), nil
}

func (m *Memory) AddKeyword(_ context.Context, userID, keyword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords[Subscription{UserID: userID, Keyword: NormalizeKeyword(keyword)}] = struct{}{}
	return nil
}

func (m *Memory) RemoveKeyword(_ context.Context, userID, keyword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Subscription{UserID: userID, Keyword: NormalizeKeyword(keyword)}
	if _, ok := m.keywords[k]; !ok {
		return ErrNotFound
	}
	delete(m.keywords, k)
	return nil
}

func (m *Memory) ListKeywords(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for s := range m.keywords {
		if s.UserID == userID {
			out = append(out, s.Keyword)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AllKeywords(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.keywords))
	for s := range m.keywords {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Keyword < out[j].Keyword
	})
	return out, nil
}

// TouchPlayer keeps the newest timestamp, like the PostgreSQL repository.
func (m *Memory) TouchPlayer(_ context.Context, identity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := textutil.Fold(identity)
	if prev, ok := m.seen[k]; ok && prev.LastSeenAt.After(at) {
		at = prev.LastSeenAt
	}
	m.seen[k] = PlayerSeen{Identity: identity, LastSeenAt: at}
	return nil
}

func (m *Memory) LastSeen(_ context.Context, identity string) (PlayerSeen, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.seen[textutil.Fold(identity)]
	if !ok {
		return PlayerSeen{}, ErrNotFound
	}
	return ps, nil
}

func (m *Memory) SaveDialogOwner(_ context.Context, rec DialogOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[rec.ChannelID] = rec
	return nil
}

func (m *Memory) DialogOwner(_ context.Context, channelID string) (DialogOwner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.owners[channelID]
	if !ok {
		return DialogOwner{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) DeleteDialogOwner(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, channelID)
	return nil
}

// NormalizeKeyword returns the stored form of a keyword.
func NormalizeKeyword(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
