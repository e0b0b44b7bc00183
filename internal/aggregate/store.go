package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps computed rollups. Rows are replaced wholesale.
type Store interface {
	Replace(ctx context.Context, agg *WeeklyAggregate) error
	Range(ctx context.Context, scope string, from, to time.Time) ([]*WeeklyAggregate, error)
}

// PostgresStore stores rollups in weekly_aggregates
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Replace(ctx context.Context, agg *WeeklyAggregate) error {
	responders, err := json.Marshal(agg.Responders)
	if err != nil {
		return fmt.Errorf("failed to encode responders: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO weekly_aggregates (
			scope, week_start, merged_count, avg_cycle_seconds, classified_count, assisted_count,
			assisted_ratio, surveys_created, surveys_revealed, completion_rate, guesses,
			correct_guesses, guess_accuracy, responders, active_users, code_suggestions,
			code_acceptances, acceptance_rate, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (scope, week_start) DO UPDATE SET
			merged_count = EXCLUDED.merged_count,
			avg_cycle_seconds = EXCLUDED.avg_cycle_seconds,
			classified_count = EXCLUDED.classified_count,
			assisted_count = EXCLUDED.assisted_count,
			assisted_ratio = EXCLUDED.assisted_ratio,
			surveys_created = EXCLUDED.surveys_created,
			surveys_revealed = EXCLUDED.surveys_revealed,
			completion_rate = EXCLUDED.completion_rate,
			guesses = EXCLUDED.guesses,
			correct_guesses = EXCLUDED.correct_guesses,
			guess_accuracy = EXCLUDED.guess_accuracy,
			responders = EXCLUDED.responders,
			active_users = EXCLUDED.active_users,
			code_suggestions = EXCLUDED.code_suggestions,
			code_acceptances = EXCLUDED.code_acceptances,
			acceptance_rate = EXCLUDED.acceptance_rate,
			computed_at = EXCLUDED.computed_at
	`, agg.Scope, agg.WeekStart, agg.MergedCount, agg.AvgCycleSeconds, agg.ClassifiedCount,
		agg.AssistedCount, agg.AssistedRatio, agg.SurveysCreated, agg.SurveysRevealed,
		agg.CompletionRate, agg.Guesses, agg.CorrectGuesses, agg.GuessAccuracy, responders,
		agg.ActiveUsers, agg.CodeSuggestions, agg.CodeAcceptances, agg.AcceptanceRate, agg.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to store weekly aggregate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Range(ctx context.Context, scope string, from, to time.Time) ([]*WeeklyAggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope, week_start, merged_count, avg_cycle_seconds, classified_count, assisted_count,
			assisted_ratio, surveys_created, surveys_revealed, completion_rate, guesses,
			correct_guesses, guess_accuracy, responders, active_users, code_suggestions,
			code_acceptances, acceptance_rate, computed_at
		FROM weekly_aggregates
		WHERE scope = $1 AND week_start >= $2 AND week_start < $3
		ORDER BY week_start
	`, scope, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query weekly aggregates: %w", err)
	}
	defer rows.Close()

	out := []*WeeklyAggregate{}
	for rows.Next() {
		var a WeeklyAggregate
		var responders []byte
		if err := rows.Scan(&a.Scope, &a.WeekStart, &a.MergedCount, &a.AvgCycleSeconds,
			&a.ClassifiedCount, &a.AssistedCount, &a.AssistedRatio, &a.SurveysCreated,
			&a.SurveysRevealed, &a.CompletionRate, &a.Guesses, &a.CorrectGuesses, &a.GuessAccuracy,
			&responders, &a.ActiveUsers, &a.CodeSuggestions, &a.CodeAcceptances, &a.AcceptanceRate,
			&a.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan weekly aggregate: %w", err)
		}
		if err := json.Unmarshal(responders, &a.Responders); err != nil {
			return nil, fmt.Errorf("failed to decode responders: %w", err)
		}
		a.WeekStart = a.WeekStart.UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]WeeklyAggregate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]WeeklyAggregate)}
}

func rowKey(scope string, week time.Time) string {
	return scope + "|" + week.UTC().Format("2006-01-02")
}

func (s *MemoryStore) Replace(_ context.Context, agg *WeeklyAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rowKey(agg.Scope, agg.WeekStart)] = *agg
	return nil
}

func (s *MemoryStore) Range(_ context.Context, scope string, from, to time.Time) ([]*WeeklyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*WeeklyAggregate{}
	for _, a := range s.rows {
		if a.Scope == scope && !a.WeekStart.Before(from) && a.WeekStart.Before(to) {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.Before(out[j].WeekStart) })
	return out, nil
}
