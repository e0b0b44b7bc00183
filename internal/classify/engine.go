package classify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/skridlevsky/ai-detective/internal/metrics"
	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// Model is an external classifier.
type Model interface {
	Name() string
	Classify(ctx context.Context, in Input) (*ExternalVerdict, error)
}

// ItemLister is the read side of the entity store used for reprocessing
type ItemLister interface {
	ListByScope(ctx context.Context, scope string) ([]*workitem.Item, error)
}

// Config sizes the external verdict queue.
type Config struct {
	Workers   int
	Retries   int
	RetryBase time.Duration
	QueueSize int
}

type job struct {
	in   Input
	hash string
}

// Engine runs the pattern pass inline and the external model on a worker
// pool. Writes for one item are serialized so each new version is computed
// from the one before it.
type Engine struct {
	cfg   Config
	store VerdictStore
	items ItemLister
	model Model

	mu       sync.RWMutex
	patterns *PatternSet

	locks [64]sync.Mutex
	queue chan job
	// pending holds the input hash queued per item key
	pmu     sync.Mutex
	pending map[string]string
	wg      sync.WaitGroup
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine. model may be nil, in which case verdicts are
// pattern-only.
func NewEngine(cfg Config, store VerdictStore, items ItemLister, model Model) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		items:    items,
		model:    model,
		patterns: DefaultPatterns(),
		queue:    make(chan job, cfg.QueueSize),
		pending:  make(map[string]string),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Store returns the verdict store
func (e *Engine) Store() VerdictStore {
	return e.store
}

// Patterns returns the active pattern table
func (e *Engine) Patterns() *PatternSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.patterns
}

// SetPatterns swaps the active pattern table. Existing verdicts are only
// recomputed by Reprocess or the item's next change.
func (e *Engine) SetPatterns(set *PatternSet) {
	e.mu.Lock()
	e.patterns = set
	e.mu.Unlock()
}

// Start runs the external verdict workers until ctx is done. Without a
// model there is nothing to run.
func (e *Engine) Start(ctx context.Context) {
	if e.model == nil {
		return
	}
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.worker(ctx)
		}()
	}
	slog.Info("Classifier workers started", "workers", e.cfg.Workers, "model", e.model.Name())
}

// Wait blocks until every worker has exited
func (e *Engine) Wait() {
	e.wg.Wait()
}

// OnUpserted is the entity store subscriber.
func (e *Engine) OnUpserted(ctx context.Context, ev workitem.Event) {
	if _, err := e.Classify(ctx, ev.Item, TriggerIngest); err != nil {
		slog.Error("Failed to classify work item", "key", ev.Item.Key(), "error", err)
	}
}

// Classify runs the pattern pass for it and appends a verdict version if
// its content or the pattern table changed since the current version.
// Returns the current verdict either way. Whenever the current verdict has
// no model answer for the current content, the item is queued for one.
func (e *Engine) Classify(ctx context.Context, it *workitem.Item, trigger string) (*Verdict, error) {
	in := InputFromItem(it)
	hash := in.Hash()
	set := e.Patterns()

	unlock := e.lock(in.Key)
	cur, err := e.current(ctx, in.Key)
	if err != nil {
		unlock()
		return nil, err
	}
	if cur != nil && cur.InputHash == hash && cur.PatternVersion == set.Version {
		unlock()
		if cur.NeedsExternal() {
			e.enqueue(job{in: in, hash: hash})
		}
		return cur, nil
	}

	v := &Verdict{
		ItemKey:        in.Key,
		PatternSignals: set.Scan(in),
		PatternVersion: set.Version,
		InputHash:      hash,
		Trigger:        trigger,
		ComputedAt:     e.now().UTC(),
	}
	if cur != nil && cur.External != nil && cur.External.InputHash == hash {
		v.External = cur.External
	}
	v.FinalIsAssisted = Reconcile(v.PatternSignals, v.External)
	err = e.store.Append(ctx, v)
	unlock()
	if err != nil {
		return nil, err
	}
	metrics.ObserveVerdict(trigger)

	if v.NeedsExternal() {
		e.enqueue(job{in: in, hash: hash})
	}
	return v, nil
}

// ResolvePending queues every item in scope whose current verdict lacks a
// model answer for its current content. Items without any verdict are
// classified first. Returns how many items were queued.
func (e *Engine) ResolvePending(ctx context.Context, scope string) (int, error) {
	if e.model == nil {
		return 0, nil
	}
	items, err := e.items.ListByScope(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("failed to list items for %s: %w", scope, err)
	}
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key()
	}
	current, err := e.store.CurrentMany(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to load verdicts for %s: %w", scope, err)
	}

	queued := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		v, ok := current[it.Key()]
		if ok && !v.NeedsExternal() && v.InputHash == InputFromItem(it).Hash() {
			continue
		}
		if e.isPending(it.Key()) {
			continue
		}
		if _, err := e.Classify(ctx, it, TriggerIngest); err != nil {
			return queued, err
		}
		if e.isPending(it.Key()) {
			queued++
		}
	}
	if queued > 0 {
		slog.Info("Queued items for external verdict", "scope", scope, "queued", queued)
	}
	return queued, nil
}

// RetryTask runs ResolvePending for each scope on the scheduler, so items
// whose model call failed, was dropped from a full queue or was lost in a
// restart are asked again.
func (e *Engine) RetryTask(scopes []string, interval time.Duration) orchestrator.Task {
	return orchestrator.Task{
		Name:     "classify:external-retry",
		Interval: interval,
		Run: func(ctx context.Context) error {
			var firstErr error
			for _, scope := range scopes {
				if _, err := e.ResolvePending(ctx, scope); err != nil {
					slog.Error("Failed to queue pending verdicts", "scope", scope, "error", err)
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		},
	}
}

// Reprocess re-runs the pattern pass over every item in scope using set
// (the active table when nil) and returns the number of new versions.
func (e *Engine) Reprocess(ctx context.Context, scope string, set *PatternSet) (int, error) {
	if set != nil {
		e.SetPatterns(set)
	}
	items, err := e.items.ListByScope(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("failed to list items for %s: %w", scope, err)
	}

	appended := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return appended, err
		}
		before, err := e.current(ctx, it.Key())
		if err != nil {
			return appended, err
		}
		after, err := e.Classify(ctx, it, TriggerReprocess)
		if err != nil {
			return appended, err
		}
		if before == nil || after.Version != before.Version {
			appended++
		}
	}
	slog.Info("Reprocessed verdicts", "scope", scope, "items", len(items), "new_versions", appended,
		"pattern_version", e.Patterns().Version)
	return appended, nil
}

// enqueue queues j unless the same content is already queued for the item.
func (e *Engine) enqueue(j job) {
	if e.model == nil {
		return
	}
	e.pmu.Lock()
	defer e.pmu.Unlock()
	if e.pending[j.in.Key] == j.hash {
		return
	}
	select {
	case e.queue <- j:
		e.pending[j.in.Key] = j.hash
	default:
		slog.Warn("Classifier queue full, keeping pattern verdict", "key", j.in.Key)
	}
}

func (e *Engine) done(j job) {
	e.pmu.Lock()
	if e.pending[j.in.Key] == j.hash {
		delete(e.pending, j.in.Key)
	}
	e.pmu.Unlock()
}

func (e *Engine) isPending(key string) bool {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	_, ok := e.pending[key]
	return ok
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.queue:
			if err := e.resolve(ctx, j); err != nil && ctx.Err() == nil {
				slog.Error("External verdict failed", "key", j.in.Key, "error", err)
			}
			e.done(j)
		}
	}
}

// resolve asks the model with retries and appends the reconciled version.
// A result for content that has since changed is dropped.
func (e *Engine) resolve(ctx context.Context, j job) error {
	var ext *ExternalVerdict
	var err error
	for attempt := 0; ; attempt++ {
		ext, err = e.model.Classify(ctx, j.in)
		if err == nil {
			break
		}
		if attempt >= e.cfg.Retries || ctx.Err() != nil {
			return err
		}
		wait := e.cfg.RetryBase << attempt
		slog.Warn("Retrying external verdict", "key", j.in.Key, "attempt", attempt+1, "wait", wait, "error", err)
		if serr := e.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	ext.InputHash = j.hash
	if ext.Model == "" {
		ext.Model = e.model.Name()
	}

	unlock := e.lock(j.in.Key)
	defer unlock()

	cur, err := e.current(ctx, j.in.Key)
	if err != nil {
		return err
	}
	if cur == nil || cur.InputHash != j.hash {
		slog.Debug("Dropping stale external verdict", "key", j.in.Key)
		return nil
	}

	v := &Verdict{
		ItemKey:         j.in.Key,
		PatternSignals:  cur.PatternSignals,
		External:        ext,
		PatternVersion:  cur.PatternVersion,
		InputHash:       cur.InputHash,
		FinalIsAssisted: Reconcile(cur.PatternSignals, ext),
		Trigger:         TriggerExternal,
		ComputedAt:      e.now().UTC(),
	}
	if err := e.store.Append(ctx, v); err != nil {
		return err
	}
	metrics.ObserveVerdict(TriggerExternal)
	slog.Info("External verdict recorded", "key", j.in.Key, "version", v.Version,
		"assisted", v.FinalIsAssisted, "confidence", ext.Confidence)
	return nil
}

func (e *Engine) current(ctx context.Context, key string) (*Verdict, error) {
	v, err := e.store.Current(ctx, key)
	if errors.Is(err, ErrNoVerdict) {
		return nil, nil
	}
	return v, err
}

func (e *Engine) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &e.locks[h.Sum32()%uint32(len(e.locks))]
	m.Lock()
	return m.Unlock
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
