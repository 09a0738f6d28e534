// Package postgres builds the instrumented pgx connection pool shared by the
// alert store and records per-query logs, spans and metrics.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pingTimeout = 5 * time.Second

// PoolConfig configures NewPool. Zero values keep the pgx defaults.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// SlowQuery is the duration above which successful queries are logged.
	// Zero logs every query.
	SlowQuery time.Duration
}

// NewPool opens a pool traced by otelpgx and the logging tracer, and verifies
// connectivity before returning.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	if pc.URL == "" {
		return nil, errors.New("database url is required")
	}
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(), pc.SlowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
