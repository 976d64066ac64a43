package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldrelay/internal/storage"
	"github.com/cory-johannsen/worldrelay/internal/textutil"
)

// identitySet is a table of world identities keyed by their folded form.
type identitySet struct {
	db    *pgxpool.Pool
	table string
}

func (s identitySet) contains(ctx context.Context, identity string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table+` WHERE identity_key = $1)`,
		textutil.Fold(identity),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying %s: %w", s.table, err)
	}
	return exists, nil
}

func (s identitySet) add(ctx context.Context, identity string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO `+s.table+` (identity_key, identity) VALUES ($1, $2)
		 ON CONFLICT (identity_key) DO UPDATE SET identity = EXCLUDED.identity`,
		textutil.Fold(identity), identity,
	)
	if err != nil {
		return fmt.Errorf("inserting into %s: %w", s.table, err)
	}
	return nil
}

func (s identitySet) remove(ctx context.Context, identity string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE identity_key = $1`,
		textutil.Fold(identity),
	)
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", s.table, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s identitySet) list(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT identity FROM `+s.table+` ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.table, err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// WhitelistRepository persists the in-world command whitelist.
type WhitelistRepository struct {
	set identitySet
}

var _ storage.WhitelistRepository = (*WhitelistRepository)(nil)

// NewWhitelistRepository creates a WhitelistRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewWhitelistRepository(db *pgxpool.Pool) *WhitelistRepository {
	return &WhitelistRepository{set: identitySet{db: db, table: "whitelist"}}
}

func (r *WhitelistRepository) IsWhitelisted(ctx context.Context, identity string) (bool, error) {
	return r.set.contains(ctx, identity)
}

func (r *WhitelistRepository) AddWhitelist(ctx context.Context, identity string) error {
	return r.set.add(ctx, identity)
}

// RemoveWhitelist returns storage.ErrNotFound when identity was not listed.
func (r *WhitelistRepository) RemoveWhitelist(ctx context.Context, identity string) error {
	return r.set.remove(ctx, identity)
}

func (r *WhitelistRepository) ListWhitelist(ctx context.Context) ([]string, error) {
	return r.set.list(ctx)
}

// IgnoreRepository persists world identities whose chat is never relayed.
type IgnoreRepository struct {
	set identitySet
}

var _ storage.IgnoreRepository = (*IgnoreRepository)(nil)

// NewIgnoreRepository creates an IgnoreRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewIgnoreRepository(db *pgxpool.Pool) *IgnoreRepository {
	return &IgnoreRepository{set: identitySet{db: db, table: "ignored_players"}}
}

func (r *IgnoreRepository) IsIgnored(ctx context.Context, identity string) (bool, error) {
	return r.set.contains(ctx, identity)
}

func (r *IgnoreRepository) AddIgnored(ctx context.Context, identity string) error {
	return r.set.add(ctx, identity)
}

// RemoveIgnored returns storage.ErrNotFound when identity was not listed.
func (r *IgnoreRepository) RemoveIgnored(ctx context.Context, identity string) error {
	return r.set.remove(ctx, identity)
}

func (r *IgnoreRepository) ListIgnored(ctx context.Context) ([]string, error) {
	return r.set.list(ctx)
}
