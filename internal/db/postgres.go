// Package db owns the Postgres pool shared by every repository and the
// embedded schema migrations.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolSize derives connection limits from the sync pools and classifier
// workers, plus headroom for HTTP handlers.
type PoolSize struct {
	SyncWorkers       int
	Sources           int
	ClassifierWorkers int
}

const httpHeadroom = 10

func (s PoolSize) maxConns() int32 {
	n := s.SyncWorkers*max(s.Sources, 1) + s.ClassifierWorkers + httpHeadroom
	return int32(max(n, 4))
}

// Postgres is the process-wide connection pool plus the schema version it
// was migrated to.
type Postgres struct {
	pool          *pgxpool.Pool
	schemaVersion string
}

// NewPostgres connects and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, size PoolSize) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	// An explicit pool_max_conns in the URL wins.
	if !strings.Contains(databaseURL, "pool_max_conns") {
		config.MaxConns = size.maxConns()
	}
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connection pool initialized", "max_conns", config.MaxConns, "min_conns", config.MinConns)
	return &Postgres{pool: pool}, nil
}

// Pool returns the underlying connection pool
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Migrate applies pending migrations and remembers the resulting version.
func (p *Postgres) Migrate(ctx context.Context) error {
	version, err := RunMigrations(ctx, p.pool)
	if err != nil {
		return err
	}
	p.schemaVersion = version
	return nil
}

// Health pings the database
func (p *Postgres) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// PoolStats is what the sync status endpoint reports about the database.
type PoolStats struct {
	SchemaVersion   string  `json:"schemaVersion"`
	MaxConns        int32   `json:"maxConns"`
	TotalConns      int32   `json:"totalConns"`
	AcquiredConns   int32   `json:"acquiredConns"`
	IdleConns       int32   `json:"idleConns"`
	AcquireCount    int64   `json:"acquireCount"`
	EmptyAcquires   int64   `json:"emptyAcquires"`
	AvgAcquireMilli float64 `json:"avgAcquireMs"`
}

// Stats snapshots pool usage. EmptyAcquires counts callers that had to wait
// for a connection, the first sign that sync workers are starving handlers.
func (p *Postgres) Stats() PoolStats {
	s := p.pool.Stat()
	return statsFrom(p.schemaVersion, s.MaxConns(), s.TotalConns(), s.AcquiredConns(), s.IdleConns(),
		s.AcquireCount(), s.EmptyAcquireCount(), s.AcquireDuration())
}

func statsFrom(version string, maxConns, total, acquired, idle int32, acquires, empty int64, waited time.Duration) PoolStats {
	st := PoolStats{
		SchemaVersion: version,
		MaxConns:      maxConns,
		TotalConns:    total,
		AcquiredConns: acquired,
		IdleConns:     idle,
		AcquireCount:  acquires,
		EmptyAcquires: empty,
	}
	if acquires > 0 {
		st.AvgAcquireMilli = float64(waited.Microseconds()) / 1000 / float64(acquires)
	}
	return st
}

// Close closes the pool
func (p *Postgres) Close() {
	slog.Info("Closing database connection pool")
	p.pool.Close()
}
