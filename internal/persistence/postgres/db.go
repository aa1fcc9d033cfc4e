// Package postgres implements the persistence contract over PostgreSQL
// using sqlx and lib/pq.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/persistence"
)

// Manager owns the connection pool and the repository instances built on it.
type Manager struct {
	db      *sqlx.DB
	timeout time.Duration
	repos   *persistence.Repository
}

// NewManager opens the pool, verifies connectivity, and wires repositories.
func NewManager(cfg config.DatabaseConfig) (*Manager, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newManagerWithDB(db, cfg.QueryTimeout), nil
}

// newManagerWithDB wires repositories over an existing pool. Used directly
// by tests with a mock driver.
func newManagerWithDB(db *sqlx.DB, timeout time.Duration) *Manager {
	m := &Manager{db: db, timeout: timeout}
	m.repos = &persistence.Repository{
		Candles:    NewCandleRepo(db, timeout),
		Symbols:    NewSymbolRepo(db, timeout),
		Jobs:       NewJobRepo(db, timeout),
		Audit:      NewAuditRepo(db, timeout),
		Enrichment: NewEnrichmentRepo(db, timeout),
		Migrator:   NewMigrator(db),
	}
	return m
}

// Repository returns the repository bundle.
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// DB exposes the pool for health checks.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Ping verifies connectivity within the configured timeout.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// PoolStats reports connection pool counters for the ops endpoint.
func (m *Manager) PoolStats() map[string]int64 {
	stats := m.db.Stats()
	return map[string]int64{
		"max_open":      int64(stats.MaxOpenConnections),
		"open":          int64(stats.OpenConnections),
		"in_use":        int64(stats.InUse),
		"idle":          int64(stats.Idle),
		"wait_count":    stats.WaitCount,
		"wait_duration": stats.WaitDuration.Milliseconds(),
	}
}

// Close shuts the pool down.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
