// Package database keeps call history and the conversation directory in
// Postgres.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("record not found")

// statementTimeout bounds every statement. History writes sit on the signaling
// path; a stuck query must not hold up call routing.
const statementTimeout = 5 * time.Second

// DB wraps the connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// New connects and pings. The relay writes a few rows per call, so the pool
// stays small.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	rt := config.ConnConfig.RuntimeParams
	if rt["application_name"] == "" {
		rt["application_name"] = "owlycall-signald"
	}
	rt["statement_timeout"] = fmt.Sprint(statementTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// Health pings the database. Used by /readyz.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// InTx runs fn in a transaction, committing when it returns nil.
func (db *DB) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, db.Pool, fn)
}
