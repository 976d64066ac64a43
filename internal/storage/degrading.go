package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/textutil"
)

// Defaults is the in-memory fallback used when the backing store fails.
type Defaults struct {
	Ignored  []string
	Keywords map[string][]string
}

// Degrading wraps a Store so that read failures fall back to Defaults and
// write failures are logged instead of returned. Lookups never surface a
// storage error to the caller.
type Degrading struct {
	next     Store
	logger   *zap.Logger
	ignored  map[string]struct{}
	keywords []Subscription
}

var _ Store = (*Degrading)(nil)

// NewDegrading wraps next.
//
// Precondition: next and logger must not be nil.
func NewDegrading(next Store, defaults Defaults, logger *zap.Logger) *Degrading {
	d := &Degrading{next: next, logger: logger, ignored: make(map[string]struct{})}
	for _, name := range defaults.Ignored {
		d.ignored[textutil.Fold(name)] = struct{}{}
	}
	for user, words := range defaults.Keywords {
		for _, w := range words {
			d.keywords = append(d.keywords, Subscription{UserID: user, Keyword: NormalizeKeyword(w)})
		}
	}
	return d
}

func (d *Degrading) warn(op string, err error) {
	d.logger.Warn("storage degraded", zap.String("op", op), zap.Error(err))
}

// IsWhitelisted reports false when the lookup fails.
func (d *Degrading) IsWhitelisted(ctx context.Context, identity string) (bool, error) {
	ok, err := d.next.IsWhitelisted(ctx, identity)
	if err != nil {
		d.warn("is_whitelisted", err)
		return false, nil
	}
	return ok, nil
}

func (d *Degrading) AddWhitelist(ctx context.Context, identity string) error {
	return d.next.AddWhitelist(ctx, identity)
}

func (d *Degrading) RemoveWhitelist(ctx context.Context, identity string) error {
	return d.next.RemoveWhitelist(ctx, identity)
}

func (d *Degrading) ListWhitelist(ctx context.Context) ([]string, error) {
	names, err := d.next.ListWhitelist(ctx)
	if err != nil {
		d.warn("list_whitelist", err)
		return nil, nil
	}
	return names, nil
}

// IsIgnored consults the default ignore list first, then the store. A store
// failure counts as not ignored.
func (d *Degrading) IsIgnored(ctx context.Context, identity string) (bool, error) {
	if _, ok := d.ignored[textutil.Fold(identity)]; ok {
		return true, nil
	}
	ok, err := d.next.IsIgnored(ctx, identity)
	if err != nil {
		d.warn("is_ignored", err)
		return false, nil
	}
	return ok, nil
}

func (d *Degrading) AddIgnored(ctx context.Context, identity string) error {
	return d.next.AddIgnored(ctx, identity)
}

func (d *Degrading) RemoveIgnored(ctx context.Context, identity string) error {
	return d.next.RemoveIgnored(ctx, identity)
}

func (d *Degrading) ListIgnored(ctx context.Context) ([]string, error) {
	names, err := d.next.ListIgnored(ctx)
	if err != nil {
		d.warn("list_ignored", err)
		return nil, nil
	}
	return names, nil
}

func (d *Degrading) AddKeyword(ctx context.Context, userID, keyword string) error {
	return d.next.AddKeyword(ctx, userID, keyword)
}

func (d *Degrading) RemoveKeyword(ctx context.Context, userID, keyword string) error {
	return d.next.RemoveKeyword(ctx, userID, keyword)
}

// ListKeywords falls back to the user's default keywords.
func (d *Degrading) ListKeywords(ctx context.Context, userID string) ([]string, error) {
	words, err := d.next.ListKeywords(ctx, userID)
	if err != nil {
		d.warn("list_keywords", err)
		var out []string
		for _, s := range d.keywords {
			if s.UserID == userID {
				out = append(out, s.Keyword)
			}
		}
		return out, nil
	}
	return words, nil
}

// AllKeywords falls back to the default subscription list.
func (d *Degrading) AllKeywords(ctx context.Context) ([]Subscription, error) {
	subs, err := d.next.AllKeywords(ctx)
	if err != nil {
		d.warn("all_keywords", err)
		return append([]Subscription(nil), d.keywords...), nil
	}
	return subs, nil
}

// TouchPlayer never fails.
func (d *Degrading) TouchPlayer(ctx context.Context, identity string, at time.Time) error {
	if err := d.next.TouchPlayer(ctx, identity, at); err != nil {
		d.warn("touch_player", err)
	}
	return nil
}

func (d *Degrading) LastSeen(ctx context.Context, identity string) (PlayerSeen, error) {
	return d.next.LastSeen(ctx, identity)
}

// SaveDialogOwner never fails.
func (d *Degrading) SaveDialogOwner(ctx context.Context, rec DialogOwner) error {
	if err := d.next.SaveDialogOwner(ctx, rec); err != nil {
		d.warn("save_dialog_owner", err)
	}
	return nil
}

func (d *Degrading) DialogOwner(ctx context.Context, channelID string) (DialogOwner, error) {
	return d.next.DialogOwner(ctx, channelID)
}

// DeleteDialogOwner never fails.
func (d *Degrading) DeleteDialogOwner(ctx context.Context, channelID string) error {
	if err := d.next.DeleteDialogOwner(ctx, channelID); err != nil {
		d.warn("delete_dialog_owner", err)
	}
	return nil
}
