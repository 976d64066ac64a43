package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldrelay/internal/storage"
)

// DialogOwnerRepository persists dialog channel ownership.
type DialogOwnerRepository struct {
	db *pgxpool.Pool
}

var _ storage.DialogOwnerRepository = (*DialogOwnerRepository)(nil)

// NewDialogOwnerRepository creates a DialogOwnerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewDialogOwnerRepository(db *pgxpool.Pool) *DialogOwnerRepository {
	return &DialogOwnerRepository{db: db}
}

// SaveDialogOwner inserts or replaces the owner record for rec.ChannelID.
//
// Precondition: rec.ChannelID and rec.OwnerID must be non-empty.
func (r *DialogOwnerRepository) SaveDialogOwner(ctx context.Context, rec storage.DialogOwner) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO dialog_owners (channel_id, owner_id, target) VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id) DO UPDATE SET owner_id = EXCLUDED.owner_id, target = EXCLUDED.target`,
		rec.ChannelID, rec.OwnerID, rec.Target,
	)
	if err != nil {
		return fmt.Errorf("saving dialog owner: %w", err)
	}
	return nil
}

// DialogOwner returns storage.ErrNotFound when the channel has no record.
func (r *DialogOwnerRepository) DialogOwner(ctx context.Context, channelID string) (storage.DialogOwner, error) {
	var rec storage.DialogOwner
	err := r.db.QueryRow(ctx,
		`SELECT channel_id, owner_id, target, created_at FROM dialog_owners WHERE channel_id = $1`,
		channelID,
	).Scan(&rec.ChannelID, &rec.OwnerID, &rec.Target, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.DialogOwner{}, storage.ErrNotFound
		}
		return storage.DialogOwner{}, fmt.Errorf("querying dialog owner: %w", err)
	}
	return rec, nil
}

// DeleteDialogOwner removes the record; a missing record is not an error.
func (r *DialogOwnerRepository) DeleteDialogOwner(ctx context.Context, channelID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM dialog_owners WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("deleting dialog owner: %w", err)
	}
	return nil
}
