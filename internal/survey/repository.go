package survey

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// Filter selects surveys. Zero fields match everything.
type Filter struct {
	Scope         string
	CreatedSince  time.Time
	CreatedBefore time.Time
	State         State
	Limit         int
}

func (f Filter) match(s *Survey) bool {
	if f.Scope != "" && !s.InScope(f.Scope) {
		return false
	}
	if !f.CreatedSince.IsZero() && s.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !s.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	return true
}

// Repository persists surveys and their responses. Every write is
// conditional so concurrent callers can race safely.
type Repository interface {
	// CreateIfAbsent stores s unless the work item already has a survey, in
	// which case the existing one is returned with created=false.
	CreateIfAbsent(ctx context.Context, s *Survey) (existing *Survey, created bool, err error)
	Get(ctx context.Context, id string) (*Survey, error)
	GetByItem(ctx context.Context, id workitem.Identity) (*Survey, error)
	List(ctx context.Context, f Filter) ([]*Survey, error)

	// CompareAndSetState moves the survey to `to` only if it is in one of
	// `from`. Returns whether this call made the transition.
	CompareAndSetState(ctx context.Context, id string, from []State, to State, at time.Time) (bool, error)
	// SetAuthorResponse records the author's answer unless one exists.
	SetAuthorResponse(ctx context.Context, id string, usedAI bool, at time.Time) (bool, error)
	// AddReviewers appends refs the survey does not list yet and clears
	// SelfReview, as long as the survey is still open. Returns whether the
	// stored list changed.
	AddReviewers(ctx context.Context, id string, refs []string, at time.Time) (bool, error)

	// InsertResponse stores r unless the reviewer already answered.
	InsertResponse(ctx context.Context, r *ReviewerResponse) (bool, error)
	Responses(ctx context.Context, surveyID string) ([]*ReviewerResponse, error)
	// ScoreResponses fills guess_correct for the survey's unscored responses.
	ScoreResponses(ctx context.Context, surveyID string, authorResponse bool) error
	// ListResponses returns responses for surveys in scope answered in [since, until).
	ListResponses(ctx context.Context, scope string, since, until time.Time) ([]*ReviewerResponse, error)
}

// MemoryRepository is an in-process Repository
type MemoryRepository struct {
	mu        sync.Mutex
	surveys   map[string]*Survey
	byItem    map[string]string
	responses map[string][]*ReviewerResponse
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		surveys:   make(map[string]*Survey),
		byItem:    make(map[string]string),
		responses: make(map[string][]*ReviewerResponse),
	}
}

func cloneSurvey(s *Survey) *Survey {
	c := *s
	c.ReviewerRefs = slices.Clone(s.ReviewerRefs)
	return &c
}

func (r *MemoryRepository) CreateIfAbsent(_ context.Context, s *Survey) (*Survey, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byItem[s.Key()]; ok {
		return cloneSurvey(r.surveys[id]), false, nil
	}
	r.surveys[s.ID] = cloneSurvey(s)
	r.byItem[s.Key()] = s.ID
	return cloneSurvey(s), true, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Survey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surveys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSurvey(s), nil
}

func (r *MemoryRepository) GetByItem(ctx context.Context, id workitem.Identity) (*Survey, error) {
	r.mu.Lock()
	sid, ok := r.byItem[id.Key()]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.Get(ctx, sid)
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Survey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*Survey{}
	for _, s := range r.surveys {
		if f.match(s) {
			out = append(out, cloneSurvey(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) CompareAndSetState(_ context.Context, id string, from []State, to State, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surveys[id]
	if !ok {
		return false, ErrNotFound
	}
	if !slices.Contains(from, s.State) {
		return false, nil
	}
	s.State = to
	s.UpdatedAt = at
	if to == StateRevealed {
		s.RevealedAt = &at
	}
	return true, nil
}

func (r *MemoryRepository) SetAuthorResponse(_ context.Context, id string, usedAI bool, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surveys[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.AuthorResponse != nil {
		return false, nil
	}
	s.AuthorResponse = &usedAI
	s.AuthorRespondedAt = &at
	s.UpdatedAt = at
	return true, nil
}

func (r *MemoryRepository) AddReviewers(_ context.Context, id string, refs []string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surveys[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.State.Terminal() {
		return false, nil
	}
	changed := false
	for _, ref := range refs {
		if !slices.Contains(s.ReviewerRefs, ref) {
			s.ReviewerRefs = append(s.ReviewerRefs, ref)
			changed = true
		}
	}
	if changed {
		s.SelfReview = false
		s.UpdatedAt = at
	}
	return changed, nil
}

func (r *MemoryRepository) InsertResponse(_ context.Context, resp *ReviewerResponse) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.surveys[resp.SurveyID]; !ok {
		return false, ErrNotFound
	}
	for _, existing := range r.responses[resp.SurveyID] {
		if existing.ReviewerRef == resp.ReviewerRef {
			return false, nil
		}
	}
	cp := *resp
	r.responses[resp.SurveyID] = append(r.responses[resp.SurveyID], &cp)
	return true, nil
}

func (r *MemoryRepository) Responses(_ context.Context, surveyID string) ([]*ReviewerResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ReviewerResponse, 0, len(r.responses[surveyID]))
	for _, resp := range r.responses[surveyID] {
		cp := *resp
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) ScoreResponses(_ context.Context, surveyID string, authorResponse bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resp := range r.responses[surveyID] {
		if resp.GuessCorrect == nil {
			ok := resp.Score(authorResponse)
			resp.GuessCorrect = &ok
		}
	}
	return nil
}

func (r *MemoryRepository) ListResponses(_ context.Context, scope string, since, until time.Time) ([]*ReviewerResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*ReviewerResponse{}
	for id, list := range r.responses {
		if scope != "" && !r.surveys[id].InScope(scope) {
			continue
		}
		for _, resp := range list {
			if !since.IsZero() && resp.RespondedAt.Before(since) {
				continue
			}
			if !until.IsZero() && !resp.RespondedAt.Before(until) {
				continue
			}
			cp := *resp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RespondedAt.Before(out[j].RespondedAt) })
	return out, nil
}
