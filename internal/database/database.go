// Package database manages PostgreSQL connections and provides the data access layer.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	const migrationLockID int64 = 0x4F43_4F05 // "OCO" prefix + 05
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)

	// Query and answer text are never persisted.
	schema := `
	CREATE TABLE IF NOT EXISTS search_requests (
		id              TEXT PRIMARY KEY,
		workspace_id    TEXT NOT NULL,
		account_name    TEXT NOT NULL DEFAULT '',
		complexity      TEXT NOT NULL,
		policy          TEXT NOT NULL,
		tier            TEXT NOT NULL,
		credits         INTEGER NOT NULL DEFAULT 0,
		model           TEXT NOT NULL DEFAULT '',
		input_tokens    BIGINT NOT NULL DEFAULT 0,
		output_tokens   BIGINT NOT NULL DEFAULT 0,
		latency_ms      BIGINT NOT NULL DEFAULT 0,
		upgrade_reason  TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		error_kind      TEXT NOT NULL DEFAULT '',
		timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS credit_budgets (
		workspace_id   TEXT PRIMARY KEY,
		limit_credits  BIGINT NOT NULL,
		spent_credits  BIGINT NOT NULL DEFAULT 0,
		period_days    INTEGER NOT NULL DEFAULT 30,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_search_requests_workspace_id ON search_requests(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_search_requests_timestamp ON search_requests(timestamp);
	CREATE INDEX IF NOT EXISTS idx_search_requests_tier ON search_requests(tier);
	`

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
