// Package storage defines the relay's persistent records and the repository
// contracts that back them. Persistence is best-effort: the relay stays
// correct within one process lifetime without it.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup yields no record.
var ErrNotFound = errors.New("record not found")

// DialogOwner records who opened a dialog channel and with whom.
type DialogOwner struct {
	ChannelID string
	OwnerID   string
	Target    string
	CreatedAt time.Time
}

// Subscription is one keyword a platform user wants to be pinged for.
type Subscription struct {
	UserID  string
	Keyword string
}

// PlayerSeen is the last time a world identity was observed.
type PlayerSeen struct {
	Identity   string
	LastSeenAt time.Time
}

// WhitelistRepository holds world identities allowed to use in-world
// commands.
type WhitelistRepository interface {
	IsWhitelisted(ctx context.Context, identity string) (bool, error)
	AddWhitelist(ctx context.Context, identity string) error
	RemoveWhitelist(ctx context.Context, identity string) error
	ListWhitelist(ctx context.Context) ([]string, error)
}

// IgnoreRepository holds world identities whose chat is never relayed.
type IgnoreRepository interface {
	IsIgnored(ctx context.Context, identity string) (bool, error)
	AddIgnored(ctx context.Context, identity string) error
	RemoveIgnored(ctx context.Context, identity string) error
	ListIgnored(ctx context.Context) ([]string, error)
}

// KeywordRepository holds keyword subscriptions.
type KeywordRepository interface {
	AddKeyword(ctx context.Context, userID, keyword string) error
	RemoveKeyword(ctx context.Context, userID, keyword string) error
	ListKeywords(ctx context.Context, userID string) ([]string, error)
	AllKeywords(ctx context.Context) ([]Subscription, error)
}

// PlayerRepository tracks when world identities were last seen.
type PlayerRepository interface {
	TouchPlayer(ctx context.Context, identity string, at time.Time) error
	LastSeen(ctx context.Context, identity string) (PlayerSeen, error)
}

// DialogOwnerRepository persists dialog channel ownership across restarts.
type DialogOwnerRepository interface {
	SaveDialogOwner(ctx context.Context, rec DialogOwner) error
	DialogOwner(ctx context.Context, channelID string) (DialogOwner, error)
	DeleteDialogOwner(ctx context.Context, channelID string) error
}

// Store is every repository the relay uses.
type Store interface {
	WhitelistRepository
	IgnoreRepository
	KeywordRepository
	PlayerRepository
	DialogOwnerRepository
}
