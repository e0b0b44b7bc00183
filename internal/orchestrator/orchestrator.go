// Package orchestrator drives historical and incremental sync jobs: it pages
// units from a connector, fetches them in batches on a bounded worker pool,
// merges results into the entity store and advances per-scope checkpoints.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skridlevsky/ai-detective/internal/apiclient"
	"github.com/skridlevsky/ai-detective/internal/metrics"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// Unit is one item of work listed by a connector. Cursor is the position
// the checkpoint may advance to once the unit is merged; connectors emit
// cursors that sort as byte strings (fixed-width UTC timestamps).
type Unit struct {
	Key    string
	Cursor string
	Data   any
}

// Connector translates one external system into work item patches.
type Connector interface {
	Source() string
	// List returns units updated at or after cursor, oldest first. An empty
	// cursor means full history.
	List(ctx context.Context, scope, cursor string) ([]Unit, error)
	// Fetch details a unit. A nil patch with a nil error means the connector
	// stored the unit itself and there is nothing to merge.
	Fetch(ctx context.Context, scope string, u Unit) (*workitem.Patch, error)
}

// Upserter is the merge path into the entity store.
type Upserter interface {
	Upsert(ctx context.Context, p *workitem.Patch) (*workitem.Item, error)
}

// Config controls batching and retry.
type Config struct {
	Concurrency int
	BatchSize   int
	BatchDelay  time.Duration
	RetryBase   time.Duration
	MaxRetries  int
}

// Result summarizes one SyncScope run.
type Result struct {
	Source      string
	Scope       string
	Incremental bool
	Units       int
	Merged      int
	Failed      int
	Batches     int
	Cursor      string
	Duration    time.Duration
}

// Orchestrator runs sync jobs
type Orchestrator struct {
	cfg   Config
	store Store
	items Upserter
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new orchestrator
func New(cfg Config, store Store, items Upserter) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Orchestrator{cfg: cfg, store: store, items: items, sleep: sleepCtx}
}

// Store returns the checkpoint store.
func (o *Orchestrator) Store() Store {
	return o.store
}

// SyncScope runs one sync job for scope. It returns a FatalAuthError (or the
// context error) when the job was aborted; per-unit failures are recorded and
// never abort the job.
func (o *Orchestrator) SyncScope(ctx context.Context, conn Connector, scope string) (*Result, error) {
	start := time.Now()
	source := conn.Source()
	res := &Result{Source: source, Scope: scope}

	cursor := ""
	cp, err := o.store.Checkpoint(ctx, source, scope)
	switch {
	case err == nil:
		cursor = cp.Cursor
		res.Incremental = true
	case !errors.Is(err, ErrNoCheckpoint):
		return res, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	res.Cursor = cursor

	slog.Info("Sync starting",
		"source", source,
		"scope", scope,
		"incremental", res.Incremental,
		"cursor", cursor,
	)

	var units []Unit
	err = o.withRetry(ctx, source, func() error {
		var listErr error
		units, listErr = conn.List(ctx, scope, cursor)
		return listErr
	})
	if err != nil {
		if apiclient.IsFatal(err) {
			slog.Error("Sync aborted: credential rejected", "source", source, "scope", scope, "error", err)
		}
		return res, fmt.Errorf("failed to list %s units for %s: %w", source, scope, err)
	}
	res.Units = len(units)

	for i, batch := range partition(units, o.cfg.BatchSize) {
		if i > 0 {
			if err := o.sleep(ctx, o.cfg.BatchDelay); err != nil {
				return res, err
			}
		}

		merged, failed, err := o.runBatch(ctx, conn, scope, batch)
		res.Merged += merged
		res.Failed += failed
		if err != nil {
			if apiclient.IsFatal(err) {
				slog.Error("Sync aborted: credential rejected", "source", source, "scope", scope, "error", err)
			}
			return res, err
		}
		// A cancelled batch may have abandoned units; leave the checkpoint.
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batchCursor := maxCursor(batch)
		if batchCursor != "" {
			now := time.Now().UTC()
			if err := o.store.AdvanceCheckpoint(ctx, source, scope, batchCursor, now); err != nil {
				return res, err
			}
			if batchCursor > res.Cursor {
				res.Cursor = batchCursor
			}
			metrics.ObserveCheckpoint(source, scope, float64(now.Unix()))
		}
		res.Batches++
	}

	// An empty or fully caught-up listing still counts as a successful poll.
	if len(units) == 0 && res.Cursor != "" {
		if err := o.store.AdvanceCheckpoint(ctx, source, scope, res.Cursor, time.Now().UTC()); err != nil {
			return res, err
		}
	}

	res.Duration = time.Since(start)
	slog.Info("Sync complete",
		"source", source,
		"scope", scope,
		"units", res.Units,
		"merged", res.Merged,
		"failed", res.Failed,
		"cursor", res.Cursor,
		"duration", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

// runBatch processes batch on the worker pool and waits for every unit to be
// merged or recorded as failed. Only fatal, context and store errors come back.
func (o *Orchestrator) runBatch(ctx context.Context, conn Connector, scope string, batch []Unit) (int, int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	var mu sync.Mutex
	merged, failed := 0, 0

	for _, u := range batch {
		g.Go(func() error {
			ok, err := o.processUnit(gctx, conn, scope, u)
			if err != nil {
				return err
			}
			mu.Lock()
			if ok {
				merged++
			} else {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return merged, failed, err
}

func (o *Orchestrator) processUnit(ctx context.Context, conn Connector, scope string, u Unit) (bool, error) {
	source := conn.Source()
	attempts := 0

	err := o.withRetry(ctx, source, func() error {
		attempts++
		patch, err := conn.Fetch(ctx, scope, u)
		if err != nil {
			return err
		}
		if patch == nil {
			return nil
		}
		_, err = o.items.Upsert(ctx, patch)
		return err
	})
	if err == nil {
		metrics.ObserveSyncUnit(source, "merged")
		return true, nil
	}

	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if apiclient.IsFatal(err) {
		metrics.ObserveSyncUnit(source, "fatal")
		return false, err
	}

	outcome := "failed"
	var ve *workitem.ValidationError
	if errors.As(err, &ve) {
		outcome = "invalid"
	}
	slog.Warn("Skipping sync unit",
		"source", source,
		"scope", scope,
		"unit", u.Key,
		"attempts", attempts,
		"outcome", outcome,
		"error", err,
	)
	metrics.ObserveSyncUnit(source, outcome)

	recErr := o.store.RecordFailure(ctx, Failure{
		Source:   source,
		Scope:    scope,
		UnitKey:  u.Key,
		Attempts: attempts,
		Error:    err.Error(),
		FailedAt: time.Now().UTC(),
	})
	if recErr != nil {
		// Unrecorded failures must hold the checkpoint back.
		return false, recErr
	}
	return false, nil
}

// withRetry runs fn, retrying rate-limit and transient errors with
// exponential backoff (RetryBase, 2x, 4x...). The wait is never shorter than
// the resume time a rate limit suggests.
func (o *Orchestrator) withRetry(ctx context.Context, source string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !apiclient.IsRetryable(err) || attempt >= o.cfg.MaxRetries {
			return err
		}

		wait := o.cfg.RetryBase << attempt
		var rl *apiclient.RateLimitExceeded
		if errors.As(err, &rl) {
			if d := rl.RetryAfter(); d > wait {
				wait = d
			}
		}

		slog.Debug("Retrying after backoff",
			"source", source,
			"attempt", attempt+1,
			"wait", wait,
			"error", err,
		)
		metrics.ObserveSyncRetry(source)

		if err := o.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func partition(units []Unit, size int) [][]Unit {
	var batches [][]Unit
	for start := 0; start < len(units); start += size {
		end := min(start+size, len(units))
		batches = append(batches, units[start:end])
	}
	return batches
}

func maxCursor(batch []Unit) string {
	out := ""
	for _, u := range batch {
		if u.Cursor > out {
			out = u.Cursor
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
