package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// VerdictStore keeps the append-only verdict history.
type VerdictStore interface {
	// Append stores v as the next version for v.ItemKey and sets v.Version.
	Append(ctx context.Context, v *Verdict) error
	Current(ctx context.Context, itemKey string) (*Verdict, error)
	History(ctx context.Context, itemKey string) ([]*Verdict, error)
	// CurrentMany returns the current verdict of each key that has one.
	CurrentMany(ctx context.Context, itemKeys []string) (map[string]*Verdict, error)
}

// PostgresStore stores verdicts in classification_verdicts
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const verdictColumns = `item_key, version, pattern_signals, external_verdict, pattern_version,
	input_hash, final_is_assisted, trigger, computed_at`

func scanVerdict(row pgx.Row) (*Verdict, error) {
	var v Verdict
	var signals, external []byte
	if err := row.Scan(&v.ItemKey, &v.Version, &signals, &external, &v.PatternVersion,
		&v.InputHash, &v.FinalIsAssisted, &v.Trigger, &v.ComputedAt); err != nil {
		return nil, err
	}
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &v.PatternSignals); err != nil {
			return nil, fmt.Errorf("failed to decode pattern signals: %w", err)
		}
	}
	if len(external) > 0 && string(external) != "null" {
		v.External = &ExternalVerdict{}
		if err := json.Unmarshal(external, v.External); err != nil {
			return nil, fmt.Errorf("failed to decode external verdict: %w", err)
		}
	}
	return &v, nil
}

// Append picks the next version in the INSERT itself; a concurrent append to
// the same key hits the primary key and is retried.
func (s *PostgresStore) Append(ctx context.Context, v *Verdict) error {
	signals, err := json.Marshal(nonNilSignals(v.PatternSignals))
	if err != nil {
		return fmt.Errorf("failed to encode pattern signals: %w", err)
	}
	var external []byte
	if v.External != nil {
		if external, err = json.Marshal(v.External); err != nil {
			return fmt.Errorf("failed to encode external verdict: %w", err)
		}
	}

	query := `
		INSERT INTO classification_verdicts (` + verdictColumns + `)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, $7, $8
		FROM classification_verdicts WHERE item_key = $1
		RETURNING version
	`
	for attempt := 0; attempt < 3; attempt++ {
		err = s.pool.QueryRow(ctx, query, v.ItemKey, signals, external, v.PatternVersion,
			v.InputHash, v.FinalIsAssisted, v.Trigger, v.ComputedAt).Scan(&v.Version)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		break
	}
	if err != nil {
		return fmt.Errorf("failed to append verdict for %s: %w", v.ItemKey, err)
	}
	return nil
}

func (s *PostgresStore) Current(ctx context.Context, itemKey string) (*Verdict, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+verdictColumns+` FROM classification_verdicts
		WHERE item_key = $1 ORDER BY version DESC LIMIT 1`, itemKey)
	v, err := scanVerdict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoVerdict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verdict: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) History(ctx context.Context, itemKey string) ([]*Verdict, error) {
	return s.query(ctx, `SELECT `+verdictColumns+` FROM classification_verdicts
		WHERE item_key = $1 ORDER BY version`, itemKey)
}

func (s *PostgresStore) CurrentMany(ctx context.Context, itemKeys []string) (map[string]*Verdict, error) {
	list, err := s.query(ctx, `SELECT DISTINCT ON (item_key) `+verdictColumns+` FROM classification_verdicts
		WHERE item_key = ANY($1) ORDER BY item_key, version DESC`, itemKeys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Verdict, len(list))
	for _, v := range list {
		out[v.ItemKey] = v
	}
	return out, nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...interface{}) ([]*Verdict, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	var out []*Verdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verdict: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nonNilSignals(s []Signal) []Signal {
	if s == nil {
		return []Signal{}
	}
	return s
}

// MemoryStore is an in-process VerdictStore
type MemoryStore struct {
	mu       sync.RWMutex
	verdicts map[string][]*Verdict
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{verdicts: make(map[string][]*Verdict)}
}

func (s *MemoryStore) Append(_ context.Context, v *Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Version = len(s.verdicts[v.ItemKey]) + 1
	cp := *v
	s.verdicts[v.ItemKey] = append(s.verdicts[v.ItemKey], &cp)
	return nil
}

func (s *MemoryStore) Current(_ context.Context, itemKey string) (*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.verdicts[itemKey]
	if len(list) == 0 {
		return nil, ErrNoVerdict
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (s *MemoryStore) History(_ context.Context, itemKey string) ([]*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Verdict, 0, len(s.verdicts[itemKey]))
	for _, v := range s.verdicts[itemKey] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CurrentMany(ctx context.Context, itemKeys []string) (map[string]*Verdict, error) {
	out := make(map[string]*Verdict)
	for _, k := range itemKeys {
		v, err := s.Current(ctx, k)
		if errors.Is(err, ErrNoVerdict) {
			continue
		}
		out[k] = v
	}
	return out, nil
}
