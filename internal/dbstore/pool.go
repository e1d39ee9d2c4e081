// Package dbstore owns the single Postgres connection pool shared by every
// component store and the schema migration runner. Grounded on the
// teacher's internal/vectorstore/pgvector.go connection-pool pattern,
// generalized from one vector table to the whole schema.
package dbstore

import (
	"context"
	"fmt"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Open creates a bounded connection pool and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "parse database url")
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "create database pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.TransientUnavailable, err, "database unreachable")
	}
	return pool, nil
}

// Ready reports whether the pool can reach the database, for the
// /health/readiness endpoint.
func Ready(ctx context.Context, pool *pgxpool.Pool) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}
