package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldrelay/internal/storage"
	"github.com/cory-johannsen/worldrelay/internal/textutil"
)

// PlayerRepository tracks when world identities were last seen.
type PlayerRepository struct {
	db *pgxpool.Pool
}

var _ storage.PlayerRepository = (*PlayerRepository)(nil)

// NewPlayerRepository creates a PlayerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPlayerRepository(db *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// TouchPlayer records identity as seen at at. Older timestamps never
// overwrite newer ones.
func (r *PlayerRepository) TouchPlayer(ctx context.Context, identity string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO player_seen (identity_key, identity, last_seen_at) VALUES ($1, $2, $3)
		 ON CONFLICT (identity_key) DO UPDATE
		 SET identity = EXCLUDED.identity,
		     last_seen_at = GREATEST(player_seen.last_seen_at, EXCLUDED.last_seen_at)`,
		textutil.Fold(identity), identity, at,
	)
	if err != nil {
		return fmt.Errorf("touching player: %w", err)
	}
	return nil
}

// LastSeen returns storage.ErrNotFound for an identity never seen.
func (r *PlayerRepository) LastSeen(ctx context.Context, identity string) (storage.PlayerSeen, error) {
	var ps storage.PlayerSeen
	err := r.db.QueryRow(ctx,
		`SELECT identity, last_seen_at FROM player_seen WHERE identity_key = $1`,
		textutil.Fold(identity),
	).Scan(&ps.Identity, &ps.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.PlayerSeen{}, storage.ErrNotFound
		}
		return storage.PlayerSeen{}, fmt.Errorf("querying player: %w", err)
	}
	return ps, nil
}
