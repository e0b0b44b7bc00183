package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/survey"
	"github.com/skridlevsky/ai-detective/internal/usage"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

const week = 7 * 24 * time.Hour

// ItemLister is the entity store read side
type ItemLister interface {
	List(ctx context.Context, f workitem.Filter) ([]*workitem.Item, error)
}

// Engine gathers inputs from the other components and stores rollups.
type Engine struct {
	items    ItemLister
	verdicts classify.VerdictStore
	surveys  survey.Repository
	usage    usage.Store
	store    Store
	now      func() time.Time
}

// NewEngine creates an engine. usageStore may be nil.
func NewEngine(items ItemLister, verdicts classify.VerdictStore, surveys survey.Repository, usageStore usage.Store, store Store) *Engine {
	return &Engine{
		items:    items,
		verdicts: verdicts,
		surveys:  surveys,
		usage:    usageStore,
		store:    store,
		now:      time.Now,
	}
}

// Inputs loads everything Compute needs for one scope and week.
func (e *Engine) Inputs(ctx context.Context, scope string, weekStart time.Time) (Inputs, error) {
	end := weekStart.Add(week)
	var in Inputs

	items, err := e.items.List(ctx, workitem.Filter{
		Scope:        scope,
		State:        workitem.StateMerged,
		MergedSince:  weekStart,
		MergedBefore: end,
	})
	if err != nil {
		return in, fmt.Errorf("failed to load items: %w", err)
	}
	in.Items = items

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key()
	}
	if in.Verdicts, err = e.verdicts.CurrentMany(ctx, keys); err != nil {
		return in, fmt.Errorf("failed to load verdicts: %w", err)
	}

	if in.Surveys, err = e.surveys.List(ctx, survey.Filter{Scope: scope, CreatedSince: weekStart, CreatedBefore: end}); err != nil {
		return in, fmt.Errorf("failed to load surveys: %w", err)
	}
	if in.Responses, err = e.surveys.ListResponses(ctx, scope, weekStart, end); err != nil {
		return in, fmt.Errorf("failed to load responses: %w", err)
	}

	if e.usage != nil {
		if in.Usage, err = e.usage.Range(ctx, OrgOf(scope), weekStart, end); err != nil {
			return in, fmt.Errorf("failed to load usage: %w", err)
		}
	}
	return in, nil
}

// Rebuild recomputes and replaces the row for the week containing t.
func (e *Engine) Rebuild(ctx context.Context, scope string, t time.Time) (*WeeklyAggregate, error) {
	start := WeekStart(t)
	in, err := e.Inputs(ctx, scope, start)
	if err != nil {
		return nil, err
	}
	agg := Compute(scope, start, in)
	agg.ComputedAt = e.now().UTC()
	if err := e.store.Replace(ctx, &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// RebuildRange rebuilds every week overlapping [from, to).
func (e *Engine) RebuildRange(ctx context.Context, scope string, from, to time.Time) (int, error) {
	n := 0
	for w := WeekStart(from); w.Before(to); w = w.Add(week) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := e.Rebuild(ctx, scope, w); err != nil {
			return n, fmt.Errorf("failed to rebuild %s week of %s: %w", scope, w.Format("2006-01-02"), err)
		}
		n++
	}
	return n, nil
}

// Weekly returns stored rollups for weeks starting in [from, to).
func (e *Engine) Weekly(ctx context.Context, scope string, from, to time.Time) ([]*WeeklyAggregate, error) {
	return e.store.Range(ctx, scope, WeekStart(from), to)
}

// Leaderboard ranks responders over responses given since `since` (all
// time when zero). It reads responses directly so it is never staler than
// the last scored answer.
func (e *Engine) Leaderboard(ctx context.Context, scope string, since time.Time) ([]ResponderStat, error) {
	responses, err := e.surveys.ListResponses(ctx, scope, since, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to load responses: %w", err)
	}
	return RankResponders(responses), nil
}

// Task rebuilds the current and previous week of each scope. The previous
// week catches responses that arrived after it closed.
func (e *Engine) Task(scopes []string, interval time.Duration) orchestrator.Task {
	return orchestrator.Task{
		Name:     "aggregate:weekly",
		Interval: interval,
		Run: func(ctx context.Context) error {
			now := e.now()
			var firstErr error
			for _, scope := range scopes {
				if _, err := e.RebuildRange(ctx, scope, now.Add(-week), now); err != nil {
					slog.Error("Failed to rebuild aggregates", "scope", scope, "error", err)
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		},
	}
}
