package survey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// PostgresRepository stores surveys in surveys and survey_reviewer_responses
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const surveyColumns = `id, source, repo, external_id, author_ref, reviewer_refs, self_review, state,
	author_response, author_responded_at, revealed_at, created_at, updated_at`

func scanSurvey(row pgx.Row) (*Survey, error) {
	var s Survey
	err := row.Scan(&s.ID, &s.Source, &s.Repo, &s.ExternalID, &s.AuthorRef, &s.ReviewerRefs,
		&s.SelfReview, &s.State, &s.AuthorResponse, &s.AuthorRespondedAt, &s.RevealedAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) CreateIfAbsent(ctx context.Context, s *Survey) (*Survey, bool, error) {
	reviewers := s.ReviewerRefs
	if reviewers == nil {
		reviewers = []string{}
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO surveys (id, source, repo, external_id, author_ref, reviewer_refs, self_review,
			state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (source, repo, external_id) DO NOTHING
		RETURNING `+surveyColumns,
		s.ID, s.Source, s.Repo, s.ExternalID, s.AuthorRef, reviewers, s.SelfReview, s.State, s.CreatedAt)
	created, err := scanSurvey(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create survey: %w", err)
	}

	existing, err := r.GetByItem(ctx, s.Identity)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Survey, error) {
	s, err := scanSurvey(r.pool.QueryRow(ctx, `SELECT `+surveyColumns+` FROM surveys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get survey: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetByItem(ctx context.Context, id workitem.Identity) (*Survey, error) {
	s, err := scanSurvey(r.pool.QueryRow(ctx, `SELECT `+surveyColumns+` FROM surveys
		WHERE source = $1 AND repo = $2 AND external_id = $3`, id.Source, id.Repo, id.ExternalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get survey: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*Survey, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Scope != "" {
		args = append(args, f.Scope, workitem.ScopePattern(f.Scope))
		conds = append(conds, fmt.Sprintf("(repo = $%d OR repo LIKE $%d)", len(args)-1, len(args)))
	}
	if !f.CreatedSince.IsZero() {
		args = append(args, f.CreatedSince)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, f.State)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT ` + surveyColumns + ` FROM surveys`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list surveys: %w", err)
	}
	defer rows.Close()

	out := []*Survey{}
	for rows.Next() {
		s, err := scanSurvey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan survey: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CompareAndSetState(ctx context.Context, id string, from []State, to State, at time.Time) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE surveys
		SET state = $2,
			updated_at = $3,
			revealed_at = CASE WHEN $2 = 'revealed' THEN $3 ELSE revealed_at END
		WHERE id = $1 AND state = ANY($4)
	`, id, string(to), at, states)
	if err != nil {
		return false, fmt.Errorf("failed to transition survey %s to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) SetAuthorResponse(ctx context.Context, id string, usedAI bool, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE surveys
		SET author_response = $2, author_responded_at = $3, updated_at = $3
		WHERE id = $1 AND author_response IS NULL
	`, id, usedAI, at)
	if err != nil {
		return false, fmt.Errorf("failed to record author response: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) AddReviewers(ctx context.Context, id string, refs []string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE surveys
		SET reviewer_refs = reviewer_refs || ARRAY(
				SELECT ref FROM unnest($2::text[]) AS ref WHERE NOT ref = ANY(reviewer_refs)
			),
			self_review = FALSE,
			updated_at = $3
		WHERE id = $1 AND state = ANY($4) AND NOT reviewer_refs @> $2::text[]
	`, id, refs, at, []string{string(StateCreated), string(StateAwaitingAuthor), string(StateAwaitingReviewer)})
	if err != nil {
		return false, fmt.Errorf("failed to add reviewers to survey %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) InsertResponse(ctx context.Context, resp *ReviewerResponse) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO survey_reviewer_responses (survey_id, reviewer_ref, quality_rating, ai_guess,
			verdict_snapshot, guess_correct, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (survey_id, reviewer_ref) DO NOTHING
	`, resp.SurveyID, resp.ReviewerRef, resp.QualityRating, resp.AIGuess, resp.VerdictSnapshot,
		resp.GuessCorrect, resp.RespondedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record reviewer response: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const responseColumns = `r.survey_id, r.reviewer_ref, r.quality_rating, r.ai_guess, r.verdict_snapshot,
	r.guess_correct, r.responded_at`

func (r *PostgresRepository) Responses(ctx context.Context, surveyID string) ([]*ReviewerResponse, error) {
	return r.queryResponses(ctx, `SELECT `+responseColumns+` FROM survey_reviewer_responses r
		WHERE r.survey_id = $1 ORDER BY r.responded_at`, surveyID)
}

// ScoreResponses is idempotent: the score depends only on the stored guess,
// snapshot and the author's first answer.
func (r *PostgresRepository) ScoreResponses(ctx context.Context, surveyID string, authorResponse bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE survey_reviewer_responses
		SET guess_correct = (ai_guess = COALESCE(verdict_snapshot, $2))
		WHERE survey_id = $1 AND guess_correct IS NULL
	`, surveyID, authorResponse)
	if err != nil {
		return fmt.Errorf("failed to score responses: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListResponses(ctx context.Context, scope string, since, until time.Time) ([]*ReviewerResponse, error) {
	var (
		conds []string
		args  []interface{}
	)
	if scope != "" {
		args = append(args, scope, workitem.ScopePattern(scope))
		conds = append(conds, fmt.Sprintf("(s.repo = $%d OR s.repo LIKE $%d)", len(args)-1, len(args)))
	}
	if !since.IsZero() {
		args = append(args, since)
		conds = append(conds, fmt.Sprintf("r.responded_at >= $%d", len(args)))
	}
	if !until.IsZero() {
		args = append(args, until)
		conds = append(conds, fmt.Sprintf("r.responded_at < $%d", len(args)))
	}

	query := `SELECT ` + responseColumns + ` FROM survey_reviewer_responses r
		JOIN surveys s ON s.id = r.survey_id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY r.responded_at"
	return r.queryResponses(ctx, query, args...)
}

func (r *PostgresRepository) queryResponses(ctx context.Context, query string, args ...interface{}) ([]*ReviewerResponse, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	out := []*ReviewerResponse{}
	for rows.Next() {
		var resp ReviewerResponse
		if err := rows.Scan(&resp.SurveyID, &resp.ReviewerRef, &resp.QualityRating, &resp.AIGuess,
			&resp.VerdictSnapshot, &resp.GuessCorrect, &resp.RespondedAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		out = append(out, &resp)
	}
	return out, rows.Err()
}
