package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"crosspost/internal/infra/metrics"
)

//go:embed schema.sql
var schema string

// Connect создаёт пул подключений к Postgres.
func Connect(dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 5
	}
	cfg.MaxConns = maxConns
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// Migrate применяет схему. Все операторы идемпотентны.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	_, err := pool.Exec(ctx, schema)
	metrics.ObserveNetworkRequest("postgres", "migrate", "schema", start, err)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
