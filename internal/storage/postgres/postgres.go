// Package postgres persists the relay's lists, subscriptions and dialog
// owners in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldrelay/internal/config"
)

// applicationName identifies relay connections in pg_stat_activity.
const applicationName = "worldrelay"

// connectTimeout bounds the startup ping. The relay falls back to in-memory
// storage when it expires.
const connectTimeout = 5 * time.Second

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

// Pool is the relay's pgx connection pool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the relay database and verifies it answers within
// connectTimeout.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := ping(ctx, pool, connectTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reaching %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Pool{pool: pool}, nil
}

func ping(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pool.Ping(ctx)
}

// Health reports whether the database answers within timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	return ping(ctx, p.pool, timeout)
}

func (p *Pool) Close() { p.pool.Close() }

// DB returns the pool the repositories query through.
func (p *Pool) DB() *pgxpool.Pool { return p.pool }

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
