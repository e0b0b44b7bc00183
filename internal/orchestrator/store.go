package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoCheckpoint means the scope has never completed a batch.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint is the durable sync position for one (source, scope)
type Checkpoint struct {
	Source        string    `json:"source"`
	Scope         string    `json:"scope"`
	Cursor        string    `json:"cursor"`
	LastSuccessAt time.Time `json:"lastSuccessAt"`
}

// Failure is a unit that exhausted its retries or failed validation
type Failure struct {
	Source   string    `json:"source"`
	Scope    string    `json:"scope"`
	UnitKey  string    `json:"unitKey"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// Store persists checkpoints and failed units. AdvanceCheckpoint must never
// move a cursor backwards; cursors compare as byte strings.
type Store interface {
	Checkpoint(ctx context.Context, source, scope string) (*Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, source, scope, cursor string, at time.Time) error
	ResetCheckpoint(ctx context.Context, source, scope string) error
	Checkpoints(ctx context.Context) ([]Checkpoint, error)
	RecordFailure(ctx context.Context, f Failure) error
	RecentFailures(ctx context.Context, limit int) ([]Failure, error)
}

// PostgresStore implements Store on sync_checkpoints and sync_failures
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Checkpoint(ctx context.Context, source, scope string) (*Checkpoint, error) {
	cp := &Checkpoint{Source: source, Scope: scope}
	err := s.pool.QueryRow(ctx,
		`SELECT cursor, last_success_at FROM sync_checkpoints WHERE source = $1 AND scope = $2`,
		source, scope,
	).Scan(&cp.Cursor, &cp.LastSuccessAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceCheckpoint relies on the cursor column's "C" collation for byte
// ordering.
func (s *PostgresStore) AdvanceCheckpoint(ctx context.Context, source, scope, cursor string, at time.Time) error {
	query := `
		INSERT INTO sync_checkpoints (source, scope, cursor, last_success_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, scope) DO UPDATE SET
			cursor = GREATEST(sync_checkpoints.cursor, EXCLUDED.cursor),
			last_success_at = EXCLUDED.last_success_at
	`
	if _, err := s.pool.Exec(ctx, query, source, scope, cursor, at); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetCheckpoint(ctx context.Context, source, scope string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sync_checkpoints WHERE source = $1 AND scope = $2`, source, scope); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, scope, cursor, last_success_at FROM sync_checkpoints ORDER BY source, scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []Checkpoint{}
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.Source, &cp.Scope, &cp.Cursor, &cp.LastSuccessAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordFailure(ctx context.Context, f Failure) error {
	query := `
		INSERT INTO sync_failures (source, scope, unit_key, attempts, error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.pool.Exec(ctx, query, f.Source, f.Scope, f.UnitKey, f.Attempts, f.Error, f.FailedAt); err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentFailures(ctx context.Context, limit int) ([]Failure, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, scope, unit_key, attempts, error, failed_at
		FROM sync_failures ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync failures: %w", err)
	}
	defer rows.Close()

	out := []Failure{}
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Source, &f.Scope, &f.UnitKey, &f.Attempts, &f.Error, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
	failures    []Failure
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]Checkpoint)}
}

func checkpointKey(source, scope string) string { return source + "\x00" + scope }

func (s *MemoryStore) Checkpoint(_ context.Context, source, scope string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointKey(source, scope)]
	if !ok {
		return nil, ErrNoCheckpoint
	}
	return &cp, nil
}

func (s *MemoryStore) AdvanceCheckpoint(_ context.Context, source, scope, cursor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey(source, scope)
	cp := s.checkpoints[key]
	cp.Source, cp.Scope = source, scope
	if cursor > cp.Cursor {
		cp.Cursor = cursor
	}
	cp.LastSuccessAt = at
	s.checkpoints[key] = cp
	return nil
}

func (s *MemoryStore) ResetCheckpoint(_ context.Context, source, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, checkpointKey(source, scope))
	return nil
}

func (s *MemoryStore) Checkpoints(_ context.Context) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return checkpointKey(out[i].Source, out[i].Scope) < checkpointKey(out[j].Source, out[j].Scope)
	})
	return out, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, f Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

func (s *MemoryStore) RecentFailures(_ context.Context, limit int) ([]Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Failure{}
	for i := len(s.failures) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.failures[i])
	}
	return out, nil
}
