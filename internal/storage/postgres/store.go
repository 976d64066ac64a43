package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldrelay/internal/storage"
)

// Store bundles every repository into a storage.Store.
type Store struct {
	*WhitelistRepository
	*IgnoreRepository
	*KeywordRepository
	*PlayerRepository
	*DialogOwnerRepository
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a Store whose repositories share db.
//
// Precondition: db must be a valid, open connection pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		WhitelistRepository:   NewWhitelistRepository(db),
		IgnoreRepository:      NewIgnoreRepository(db),
		KeywordRepository:     NewKeywordRepository(db),
		PlayerRepository:      NewPlayerRepository(db),
		DialogOwnerRepository: NewDialogOwnerRepository(db),
	}
}
