package workitem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores work items in the work_items table
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new work item repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const itemColumns = `source, repo, external_id, title, body, commit_messages, url, sprint,
			state, author_ref, reviewer_refs, additions, deletions,
			opened_at, merged_at, first_response_at, closed_at, source_updated_at,
			version, created_at, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	it := &Item{}
	var opened, sourceUpdated *time.Time
	err := row.Scan(
		&it.Source, &it.Repo, &it.ExternalID, &it.Title, &it.Body, &it.CommitMessages, &it.URL, &it.Sprint,
		&it.State, &it.AuthorRef, &it.ReviewerRefs, &it.Additions, &it.Deletions,
		&opened, &it.MergedAt, &it.FirstResponseAt, &it.ClosedAt, &sourceUpdated,
		&it.Version, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if opened != nil {
		it.OpenedAt = *opened
	}
	if sourceUpdated != nil {
		it.SourceUpdatedAt = *sourceUpdated
	}
	return it, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id Identity) (*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM work_items WHERE source = $1 AND repo = $2 AND external_id = $3`, itemColumns)
	it, err := scanItem(r.pool.QueryRow(ctx, query, id.Source, id.Repo, id.ExternalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return it, nil
}

// Insert creates the row at version 1. A unique violation means another
// writer created it first.
func (r *PostgresRepository) Insert(ctx context.Context, it *Item) error {
	query := `
		INSERT INTO work_items (
			source, repo, external_id, title, body, commit_messages, url, sprint,
			state, author_ref, reviewer_refs, additions, deletions,
			opened_at, merged_at, first_response_at, closed_at, source_updated_at,
			version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1)
		RETURNING version, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		it.Source, it.Repo, it.ExternalID, it.Title, it.Body, nonNil(it.CommitMessages), it.URL, it.Sprint,
		it.State, it.AuthorRef, nonNil(it.ReviewerRefs), it.Additions, it.Deletions,
		nullTime(it.OpenedAt), it.MergedAt, it.FirstResponseAt, it.ClosedAt, nullTime(it.SourceUpdatedAt),
	).Scan(&it.Version, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrReconciliationConflict
		}
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	return nil
}

// Update writes the row if it is still at expectedVersion. merged_at is
// COALESCEd so a stale writer can never clear or move it.
func (r *PostgresRepository) Update(ctx context.Context, it *Item, expectedVersion int64) error {
	query := `
		UPDATE work_items SET
			title = $4, body = $5, commit_messages = $6, url = $7, sprint = $8,
			state = $9, author_ref = $10, reviewer_refs = $11, additions = $12, deletions = $13,
			opened_at = COALESCE(opened_at, $14), merged_at = COALESCE(merged_at, $15),
			first_response_at = $16, closed_at = $17, source_updated_at = $18,
			version = version + 1, updated_at = NOW()
		WHERE source = $1 AND repo = $2 AND external_id = $3 AND version = $19
		RETURNING version, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		it.Source, it.Repo, it.ExternalID, it.Title, it.Body, nonNil(it.CommitMessages), it.URL, it.Sprint,
		it.State, it.AuthorRef, nonNil(it.ReviewerRefs), it.Additions, it.Deletions,
		nullTime(it.OpenedAt), it.MergedAt, it.FirstResponseAt, it.ClosedAt, nullTime(it.SourceUpdatedAt),
		expectedVersion,
	).Scan(&it.Version, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReconciliationConflict
		}
		return fmt.Errorf("failed to update work item: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*Item, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Scope != "" {
		args = append(args, f.Scope, ScopePattern(f.Scope))
		conds = append(conds, fmt.Sprintf("(repo = $%d OR repo LIKE $%d)", len(args)-1, len(args)))
	}
	if f.State != "" {
		args = append(args, f.State)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if !f.MergedSince.IsZero() {
		args = append(args, f.MergedSince)
		conds = append(conds, fmt.Sprintf("merged_at >= $%d", len(args)))
	}
	if !f.MergedBefore.IsZero() {
		args = append(args, f.MergedBefore)
		conds = append(conds, fmt.Sprintf("merged_at < $%d", len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM work_items`, itemColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY source, repo, external_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	items := []*Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
