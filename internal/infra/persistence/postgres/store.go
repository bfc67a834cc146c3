// Package postgres provides PostgreSQL-backed implementations of the
// orderstore, planstore, and quotestore contracts.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the order, plan, and quote repositories behind a single pool.
type Store struct {
	pool *pgxpool.Pool

	Orders *OrderStore
	Plans  *PlanStore
	Quotes *QuoteStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		Orders: NewOrderStore(pool),
		Plans:  NewPlanStore(pool),
		Quotes: NewQuoteStore(pool),
	}
}

// Pool exposes the underlying pgx pool for ad-hoc queries.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Connect parses the DSN, establishes a pgx pool, and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("postgres: dsn required")
	}
	cfg, err := pgxpool.ParseConfig(trimmed)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}
