package classify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridlevsky/ai-detective/internal/workitem"
)

func ptr[T any](v T) *T { return &v }

type fakeModel struct {
	mu       sync.Mutex
	failures int
	calls    int
	reply    ExternalVerdict
}

func (m *fakeModel) Name() string { return "fake-model" }

func (m *fakeModel) Classify(_ context.Context, _ Input) (*ExternalVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return nil, errors.New("overloaded")
	}
	v := m.reply
	return &v, nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestEngine(model Model) (*Engine, *workitem.Service, *MemoryStore, *[]time.Duration) {
	svc := workitem.NewService(workitem.NewMemoryRepository())
	store := NewMemoryStore()
	e := NewEngine(Config{Workers: 2, Retries: 3, RetryBase: 5 * time.Second}, store, svc, model)
	var mu sync.Mutex
	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return nil
	}
	svc.Subscribe(workitem.EventUpserted, e.OnUpserted)
	return e, svc, store, &sleeps
}

func pullPatch(body string) *workitem.Patch {
	return &workitem.Patch{
		Identity: workitem.Identity{Source: workitem.SourceGitHub, Repo: "acme/api", ExternalID: "7"},
		Title:    ptr("Add retry to importer"),
		Body:     ptr(body),
		State:    ptr(workitem.StateOpen),
	}
}

const key = "github:acme/api#7"

func TestEngine_PatternOnlyFallback(t *testing.T) {
	_, svc, store, _ := newTestEngine(nil)

	_, err := svc.Upsert(context.Background(), pullPatch("Generated with Claude Code"))
	require.NoError(t, err)

	v, err := store.Current(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.True(t, v.FinalIsAssisted)
	assert.Nil(t, v.External)
	assert.Equal(t, []string{"claude"}, Tools(v.PatternSignals))
	assert.Equal(t, TriggerIngest, v.Trigger)
}

func TestEngine_NoSignalsNotAssisted(t *testing.T) {
	_, svc, store, _ := newTestEngine(nil)

	_, err := svc.Upsert(context.Background(), pullPatch("Handwritten, promise."))
	require.NoError(t, err)

	v, err := store.Current(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, v.FinalIsAssisted)
	assert.Empty(t, v.PatternSignals)
}

func TestEngine_UnchangedContentAddsNoVersion(t *testing.T) {
	_, svc, store, _ := newTestEngine(nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, pullPatch("plain"))
	require.NoError(t, err)
	// A state change alone is not new classifier input.
	p := pullPatch("plain")
	p.State = ptr(workitem.StateClosed)
	_, err = svc.Upsert(ctx, p)
	require.NoError(t, err)

	history, err := store.History(ctx, key)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = svc.Upsert(ctx, pullPatch("Co-authored-by: Copilot <copilot@github.com>"))
	require.NoError(t, err)
	history, err = store.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[1].FinalIsAssisted)
}

func TestEngine_ExternalVerdictIsAuthoritative(t *testing.T) {
	model := &fakeModel{reply: ExternalVerdict{UsageType: UsageNone, Confidence: 0.9}}
	e, svc, store, _ := newTestEngine(model)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); e.Wait() }()
	e.Start(ctx)

	_, err := svc.Upsert(ctx, pullPatch("Mentions ChatGPT in passing"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := store.Current(ctx, key)
		return err == nil && v.Version == 2
	}, 2*time.Second, 10*time.Millisecond)

	history, err := store.History(ctx, key)
	require.NoError(t, err)
	assert.True(t, history[0].FinalIsAssisted, "pattern pass alone says assisted")
	assert.False(t, history[1].FinalIsAssisted, "model verdict overrides it")
	assert.Equal(t, TriggerExternal, history[1].Trigger)
	assert.Equal(t, "fake-model", history[1].External.Model)
	assert.Equal(t, history[0].PatternSignals, history[1].PatternSignals)
}

func TestEngine_ExternalFailureRetriesWithBackoff(t *testing.T) {
	model := &fakeModel{failures: 2, reply: ExternalVerdict{UsageType: UsageAgent, Tools: []string{"devin"}, Confidence: 0.7}}
	e, svc, store, sleeps := newTestEngine(model)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); e.Wait() }()
	e.Start(ctx)

	_, err := svc.Upsert(ctx, pullPatch("plain"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := store.Current(ctx, key)
		return err == nil && v.External != nil
	}, 2*time.Second, 10*time.Millisecond)

	v, err := store.Current(ctx, key)
	require.NoError(t, err)
	assert.True(t, v.FinalIsAssisted)
	assert.Equal(t, 3, model.callCount())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *sleeps)
}

func TestEngine_ExternalFailureKeepsPatternVerdict(t *testing.T) {
	model := &fakeModel{failures: 100}
	e, svc, store, _ := newTestEngine(model)
	ctx := context.Background()

	it, err := svc.Upsert(ctx, pullPatch("Generated with Cursor"))
	require.NoError(t, err)

	err = e.resolve(ctx, job{in: InputFromItem(it), hash: InputFromItem(it).Hash()})
	assert.Error(t, err)

	v, err := store.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.True(t, v.FinalIsAssisted)
}

func TestEngine_StaleExternalVerdictDropped(t *testing.T) {
	model := &fakeModel{reply: ExternalVerdict{UsageType: UsageChat, Confidence: 0.5}}
	e, svc, store, _ := newTestEngine(model)
	ctx := context.Background()

	old, err := svc.Upsert(ctx, pullPatch("first draft"))
	require.NoError(t, err)
	staleInput := InputFromItem(old)
	_, err = svc.Upsert(ctx, pullPatch("second draft"))
	require.NoError(t, err)

	require.NoError(t, e.resolve(ctx, job{in: staleInput, hash: staleInput.Hash()}))

	history, err := store.History(ctx, key)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Nil(t, history[1].External)
}

func TestEngine_ReprocessAppendsVersions(t *testing.T) {
	e, svc, store, _ := newTestEngine(nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, pullPatch("Built this with Zed AI"))
	require.NoError(t, err)

	n, err := e.Reprocess(ctx, "acme", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "same table, same content")

	upgraded := DefaultPatterns()
	upgraded.Version++
	upgraded.Patterns = append(upgraded.Patterns, mention("zed", `zed ai`))

	n, err = e.Reprocess(ctx, "acme", upgraded)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := store.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].FinalIsAssisted)
	assert.True(t, history[1].FinalIsAssisted)
	assert.Equal(t, TriggerReprocess, history[1].Trigger)
	assert.Equal(t, upgraded.Version, history[1].PatternVersion)
}

func TestPatternSet_Scan(t *testing.T) {
	set := DefaultPatterns()

	tests := []struct {
		name  string
		in    Input
		tools []string
		prov  string
	}{
		{"claude trailer", Input{CommitMessages: []string{"fix\n\nCo-Authored-By: Claude <noreply@anthropic.com>"}}, []string{"claude"}, "co-author-trailer"},
		{"copilot trailer", Input{CommitMessages: []string{"wip", "Co-authored-by: Copilot <175728472+Copilot@users.noreply.github.com>"}}, []string{"copilot"}, "co-author-trailer"},
		{"footer", Input{Body: "Summary\n\n🤖 Generated with [Claude Code](https://claude.ai/code)"}, []string{"claude"}, "generated-footer"},
		{"title mention", Input{Title: "Refactor parser using ChatGPT suggestions"}, []string{"chatgpt"}, "mention"},
		{"nothing", Input{Title: "Bump deps", Body: "Routine"}, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals := set.Scan(tt.in)
			assert.Equal(t, tt.tools, Tools(signals))
			if tt.prov != "" {
				require.NotEmpty(t, signals)
				assert.Equal(t, tt.prov, signals[0].Provenance)
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	signals := []Signal{{Tool: "copilot"}}
	assert.True(t, Reconcile(signals, nil))
	assert.False(t, Reconcile(nil, nil))
	assert.False(t, Reconcile(signals, &ExternalVerdict{UsageType: UsageNone}))
	assert.True(t, Reconcile(nil, &ExternalVerdict{UsageType: UsageAutocomplete}))
}

func TestEngine_FailedExternalVerdictIsRetriedLater(t *testing.T) {
	model := &fakeModel{failures: 4, reply: ExternalVerdict{UsageType: UsageChat, Confidence: 0.6}}
	e, svc, store, _ := newTestEngine(model)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); e.Wait() }()
	e.Start(ctx)

	_, err := svc.Upsert(ctx, pullPatch("plain"))
	require.NoError(t, err)

	// One call plus three retries, all failing.
	require.Eventually(t, func() bool {
		return model.callCount() == 4 && !e.isPending(key)
	}, 2*time.Second, 10*time.Millisecond)
	v, err := store.Current(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, v.External)
	assert.True(t, v.NeedsExternal())

	// Same table, same content: nothing new to append, but the item is asked again.
	n, err := e.ResolvePending(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		v, err := store.Current(ctx, key)
		return err == nil && v.External != nil
	}, 2*time.Second, 10*time.Millisecond)

	v, err = store.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, TriggerExternal, v.Trigger)
	assert.True(t, v.FinalIsAssisted)
	assert.Equal(t, 2, v.Version)

	require.Eventually(t, func() bool { return !e.isPending(key) }, 2*time.Second, 10*time.Millisecond)
	n, err = e.ResolvePending(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, n, "resolved items are not queued again")
}

func TestEngine_ReprocessQueuesMissingExternalVerdict(t *testing.T) {
	model := &fakeModel{failures: 4, reply: ExternalVerdict{UsageType: UsageNone, Confidence: 0.9}}
	e, svc, store, _ := newTestEngine(model)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); e.Wait() }()
	e.Start(ctx)

	_, err := svc.Upsert(ctx, pullPatch("Generated with Cursor"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return model.callCount() == 4 && !e.isPending(key)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = e.Reprocess(ctx, "acme", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := store.Current(ctx, key)
		return err == nil && v.External != nil
	}, 2*time.Second, 10*time.Millisecond)
	v, err := store.Current(ctx, key)
	require.NoError(t, err)
	assert.False(t, v.FinalIsAssisted, "model says none")
}

func TestEngine_PatternOnlyVerdictsResolvedByLaterEngine(t *testing.T) {
	// A backfill run without a model leaves pattern-only verdicts behind.
	_, svc, store, _ := newTestEngine(nil)
	model := &fakeModel{reply: ExternalVerdict{UsageType: UsageAutocomplete, Confidence: 0.8}}
	e := NewEngine(Config{Workers: 1, Retries: 1, RetryBase: time.Millisecond}, store, svc, model)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); e.Wait() }()

	_, err := svc.Upsert(ctx, pullPatch("plain"))
	require.NoError(t, err)
	e.Start(ctx)

	require.NoError(t, e.RetryTask([]string{"acme"}, time.Minute).Run(ctx))

	require.Eventually(t, func() bool {
		v, err := store.Current(ctx, key)
		return err == nil && v.External != nil
	}, 2*time.Second, 10*time.Millisecond)
	v, err := store.Current(ctx, key)
	require.NoError(t, err)
	assert.True(t, v.FinalIsAssisted)
	assert.Equal(t, 1, model.callCount())
}

func TestEngine_ContentChangeDropsExternalVerdict(t *testing.T) {
	model := &fakeModel{reply: ExternalVerdict{UsageType: UsageAgent, Confidence: 0.9}}
	e, svc, store, _ := newTestEngine(model)
	ctx := context.Background()

	it, err := svc.Upsert(ctx, pullPatch("plain"))
	require.NoError(t, err)
	in := InputFromItem(it)
	require.NoError(t, e.resolve(ctx, job{in: in, hash: in.Hash()}))
	e.done(job{in: in, hash: in.Hash()})

	v, err := store.Current(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, v.External)
	assert.True(t, v.FinalIsAssisted)

	_, err = svc.Upsert(ctx, pullPatch("rewritten by hand"))
	require.NoError(t, err)

	v, err = store.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Version)
	assert.Nil(t, v.External, "model answer was for the old content")
	assert.False(t, v.FinalIsAssisted)
	assert.True(t, e.isPending(key), "new content is queued for the model")
}
