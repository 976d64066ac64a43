package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldrelay/internal/storage"
)

// KeywordRepository persists keyword subscriptions.
type KeywordRepository struct {
	db *pgxpool.Pool
}

var _ storage.KeywordRepository = (*KeywordRepository)(nil)

// NewKeywordRepository creates a KeywordRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewKeywordRepository(db *pgxpool.Pool) *KeywordRepository {
	return &KeywordRepository{db: db}
}

// AddKeyword subscribes userID to keyword. Subscribing twice is not an error.
//
// Precondition: userID and keyword must be non-empty.
func (r *KeywordRepository) AddKeyword(ctx context.Context, userID, keyword string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO keyword_subscriptions (user_id, keyword) VALUES ($1, $2)`,
		userID, storage.NormalizeKeyword(keyword),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("inserting keyword: %w", err)
	}
	return nil
}

// RemoveKeyword returns storage.ErrNotFound when no such subscription exists.
func (r *KeywordRepository) RemoveKeyword(ctx context.Context, userID, keyword string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM keyword_subscriptions WHERE user_id = $1 AND keyword = $2`,
		userID, storage.NormalizeKeyword(keyword),
	)
	if err != nil {
		return fmt.Errorf("deleting keyword: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *KeywordRepository) ListKeywords(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT keyword FROM keyword_subscriptions WHERE user_id = $1 ORDER BY keyword`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing keywords: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning keyword: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *KeywordRepository) AllKeywords(ctx context.Context) ([]storage.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, keyword FROM keyword_subscriptions ORDER BY user_id, keyword`)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var out []storage.Subscription
	for rows.Next() {
		var s storage.Subscription
		if err := rows.Scan(&s.UserID, &s.Keyword); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
