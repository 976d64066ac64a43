// Package testutil provides a scripted world server and a migrated
// PostgreSQL container for relay tests.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/storage/postgres"
	"github.com/cory-johannsen/worldrelay/migrations"
)

// relayTables lists every table the migrations create.
var relayTables = []string{
	"dialog_owners",
	"keyword_subscriptions",
	"player_seen",
	"ignored_players",
	"whitelist",
}

// RelayDB is a throwaway PostgreSQL instance carrying the relay schema.
type RelayDB struct {
	Pool   *postgres.Pool
	Config config.DatabaseConfig
}

// NewRelayDB starts PostgreSQL in a container, applies the embedded
// migrations and connects a pool through postgres.NewPool, the same path
// the relay binary takes. The test is skipped under -short.
//
// Precondition: Docker must be available.
func NewRelayDB(t *testing.T) *RelayDB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}
	ctx := context.Background()
	started := time.Now()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "relay",
				"POSTGRES_PASSWORD": "relay",
				"POSTGRES_DB":       "relay_test",
			},
			// The server restarts once after initdb; both conditions must hold.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithStartupTimeoutDefault(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting relay database: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("resolving database host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("resolving database port: %v", err)
	}

	cfg := config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            "relay",
		Password:        "relay",
		Name:            "relay_test",
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Minute,
	}
	if err := migrations.Up(cfg.DSN()); err != nil {
		t.Fatalf("migrating relay database: %v", err)
	}
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("connecting to relay database: %v", err)
	}
	t.Cleanup(pool.Close)

	t.Logf("relay database ready in %s", time.Since(started).Round(time.Millisecond))
	return &RelayDB{Pool: pool, Config: cfg}
}

// Reset empties every relay table.
func (db *RelayDB) Reset(t *testing.T) {
	t.Helper()
	if _, err := db.Pool.DB().Exec(context.Background(), "TRUNCATE "+strings.Join(relayTables, ", ")); err != nil {
		t.Fatalf("truncating relay tables: %v", err)
	}
}
