package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists usage days keyed by (org, date)
type Store interface {
	Upsert(ctx context.Context, d Day) error
	Range(ctx context.Context, org string, from, to time.Time) ([]Day, error)
}

// PostgresStore stores days in usage_days
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Upsert(ctx context.Context, d Day) error {
	query := `
		INSERT INTO usage_days (
			org, day, active_users, engaged_users, code_suggestions, code_acceptances,
			lines_suggested, lines_accepted, chat_turns
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (org, day) DO UPDATE SET
			active_users = EXCLUDED.active_users,
			engaged_users = EXCLUDED.engaged_users,
			code_suggestions = EXCLUDED.code_suggestions,
			code_acceptances = EXCLUDED.code_acceptances,
			lines_suggested = EXCLUDED.lines_suggested,
			lines_accepted = EXCLUDED.lines_accepted,
			chat_turns = EXCLUDED.chat_turns,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		d.Org, d.Date, d.ActiveUsers, d.EngagedUsers, d.CodeSuggestions, d.CodeAcceptances,
		d.LinesSuggested, d.LinesAccepted, d.ChatTurns,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert usage day: %w", err)
	}
	return nil
}

// Range returns days in [from, to)
func (s *PostgresStore) Range(ctx context.Context, org string, from, to time.Time) ([]Day, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT org, day, active_users, engaged_users, code_suggestions, code_acceptances,
			lines_suggested, lines_accepted, chat_turns
		FROM usage_days
		WHERE org = $1 AND day >= $2 AND day < $3
		ORDER BY day`, org, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage days: %w", err)
	}
	defer rows.Close()

	days := []Day{}
	for rows.Next() {
		var d Day
		if err := rows.Scan(&d.Org, &d.Date, &d.ActiveUsers, &d.EngagedUsers, &d.CodeSuggestions,
			&d.CodeAcceptances, &d.LinesSuggested, &d.LinesAccepted, &d.ChatTurns); err != nil {
			return nil, fmt.Errorf("failed to scan usage day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu   sync.Mutex
	days map[string]Day
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[string]Day)}
}

func (s *MemoryStore) Upsert(_ context.Context, d Day) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days[d.Org+"|"+d.Date.Format("2006-01-02")] = d
	return nil
}

func (s *MemoryStore) Range(_ context.Context, org string, from, to time.Time) ([]Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Day{}
	for _, d := range s.days {
		if d.Org == org && !d.Date.Before(from) && d.Date.Before(to) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
