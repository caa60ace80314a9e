package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Connect creates a pgx connection pool configured the way the sync engine
// expects: bounded connections and a 10 second connect timeout.
func Connect(ctx context.Context, databaseURL string, maxConns int32, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database connection string: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	connPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := connPool.Ping(ctx); err != nil {
		connPool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	logger.Info("Connected to Postgres", zap.Int32("max_conns", maxConns))
	return connPool, nil
}

// AdvisoryLockKey derives a stable 32-bit signed lock key from a string.
func AdvisoryLockKey(name string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int32(h.Sum32())
}

// WithAdvisoryLock runs fn while holding a session-scoped Postgres advisory
// lock derived from name. The lock serializes callers across processes; it is
// released when fn returns, even on error.
func WithAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, name string, fn func(tx pgx.Tx) error) error {
	key := AdvisoryLockKey(name)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin advisory lock transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return fmt.Errorf("failed to acquire advisory lock %d: %w", key, err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit advisory lock transaction: %w", err)
	}
	return nil
}
