package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridlevsky/ai-detective/internal/apiclient"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

type fakeConnector struct {
	units []Unit

	mu       sync.Mutex
	listed   []string
	fetched  map[string]int
	fetchErr func(u Unit, attempt int) error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeConnector(n int) *fakeConnector {
	c := &fakeConnector{fetched: make(map[string]int)}
	for i := 0; i < n; i++ {
		c.units = append(c.units, Unit{
			Key:    fmt.Sprintf("%d", i+1),
			Cursor: fmt.Sprintf("2025-01-01T%02d:%02d:00Z", i/60, i%60),
		})
	}
	return c
}

func (c *fakeConnector) Source() string { return "fake" }

func (c *fakeConnector) List(ctx context.Context, scope, cursor string) ([]Unit, error) {
	c.mu.Lock()
	c.listed = append(c.listed, cursor)
	c.mu.Unlock()

	var out []Unit
	for _, u := range c.units {
		if u.Cursor >= cursor {
			out = append(out, u)
		}
	}
	return out, nil
}

func (c *fakeConnector) Fetch(ctx context.Context, scope string, u Unit) (*workitem.Patch, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		m := c.maxInFlight.Load()
		if n <= m || c.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	c.mu.Lock()
	c.fetched[u.Key]++
	attempt := c.fetched[u.Key]
	c.mu.Unlock()

	if c.fetchErr != nil {
		if err := c.fetchErr(u, attempt); err != nil {
			return nil, err
		}
	}
	title := "unit " + u.Key
	return &workitem.Patch{
		Identity: workitem.Identity{Source: workitem.SourceGitHub, Repo: scope, ExternalID: u.Key},
		Title:    &title,
	}, nil
}

func (c *fakeConnector) fetchCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched[key]
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestOrchestrator(cfg Config) (*Orchestrator, *MemoryStore, *workitem.MemoryRepository, *sleepRecorder) {
	store := NewMemoryStore()
	repo := workitem.NewMemoryRepository()
	o := New(cfg, store, workitem.NewService(repo))
	rec := &sleepRecorder{}
	o.sleep = rec.sleep
	return o, store, repo, rec
}

func defaultConfig() Config {
	return Config{Concurrency: 3, BatchSize: 10, BatchDelay: time.Second, RetryBase: 5 * time.Second, MaxRetries: 3}
}

func TestSyncScope_HistoricalThenIncremental(t *testing.T) {
	o, store, repo, rec := newTestOrchestrator(defaultConfig())
	conn := newFakeConnector(25)
	ctx := context.Background()

	res, err := o.SyncScope(ctx, conn, "acme/api")
	require.NoError(t, err)
	assert.False(t, res.Incremental)
	assert.Equal(t, 25, res.Merged)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 25, repo.Count())
	// One delay between each pair of batches.
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.waits)

	cp, err := store.Checkpoint(ctx, "fake", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, conn.units[24].Cursor, cp.Cursor)

	res, err = o.SyncScope(ctx, conn, "acme/api")
	require.NoError(t, err)
	assert.True(t, res.Incremental)
	assert.Equal(t, []string{"", conn.units[24].Cursor}, conn.listed)
	assert.Equal(t, 1, res.Units)
}

func TestSyncScope_BoundedConcurrency(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(defaultConfig())
	conn := newFakeConnector(30)
	conn.fetchErr = func(u Unit, attempt int) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	_, err := o.SyncScope(context.Background(), conn, "acme/api")
	require.NoError(t, err)
	assert.LessOrEqual(t, conn.maxInFlight.Load(), int32(3))
	assert.Greater(t, conn.maxInFlight.Load(), int32(1))
}

func TestSyncScope_BackoffSchedule(t *testing.T) {
	cfg := defaultConfig()
	o, store, _, rec := newTestOrchestrator(cfg)
	conn := newFakeConnector(1)
	conn.fetchErr = func(u Unit, attempt int) error {
		return &apiclient.RateLimitExceeded{ResumeAt: time.Now(), Reason: "remote quota"}
	}

	res, err := o.SyncScope(context.Background(), conn, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 4, conn.fetchCount("1"))
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, rec.waits)

	failures, err := store.RecentFailures(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 4, failures[0].Attempts)

	// Failed-and-recorded units still let the checkpoint advance.
	cp, err := store.Checkpoint(context.Background(), "fake", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, conn.units[0].Cursor, cp.Cursor)
}

func TestSyncScope_BackoffHonorsResumeTime(t *testing.T) {
	o, _, _, rec := newTestOrchestrator(defaultConfig())
	conn := newFakeConnector(1)
	conn.fetchErr = func(u Unit, attempt int) error {
		if attempt == 1 {
			return &apiclient.RateLimitExceeded{ResumeAt: time.Now().Add(time.Minute)}
		}
		return nil
	}

	res, err := o.SyncScope(context.Background(), conn, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)
	require.Len(t, rec.waits, 1)
	assert.Greater(t, rec.waits[0], 50*time.Second)
}

func TestSyncScope_TransientRecovers(t *testing.T) {
	o, _, repo, _ := newTestOrchestrator(defaultConfig())
	conn := newFakeConnector(5)
	conn.fetchErr = func(u Unit, attempt int) error {
		if u.Key == "3" && attempt < 3 {
			return &apiclient.TransientError{StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return nil
	}

	res, err := o.SyncScope(context.Background(), conn, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Merged)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 5, repo.Count())
}

func TestSyncScope_FatalAuthAbortsScope(t *testing.T) {
	o, store, _, _ := newTestOrchestrator(defaultConfig())
	conn := newFakeConnector(25)
	conn.fetchErr = func(u Unit, attempt int) error {
		if u.Key == "15" {
			return &apiclient.FatalAuthError{StatusCode: 401, Message: "bad credentials"}
		}
		return nil
	}

	_, err := o.SyncScope(context.Background(), conn, "acme/api")
	require.Error(t, err)
	assert.True(t, apiclient.IsFatal(err))
	assert.Equal(t, 1, conn.fetchCount("15"))

	cp, err := store.Checkpoint(context.Background(), "fake", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, conn.units[9].Cursor, cp.Cursor, "only the first batch is confirmed")
	assert.Equal(t, 0, conn.fetchCount("21"))
}

func TestSyncScope_ValidationErrorSkipsUnit(t *testing.T) {
	o, store, repo, rec := newTestOrchestrator(defaultConfig())
	conn := newFakeConnector(3)
	conn.fetchErr = func(u Unit, attempt int) error {
		if u.Key == "2" {
			return &workitem.ValidationError{Field: "state", Reason: "unknown"}
		}
		return nil
	}

	res, err := o.SyncScope(context.Background(), conn, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Merged)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, repo.Count())
	assert.Empty(t, rec.waits)

	failures, _ := store.RecentFailures(context.Background(), 10)
	require.Len(t, failures, 1)
	assert.Equal(t, "2", failures[0].UnitKey)
}

func TestSyncScope_CancelMidBatchKeepsCheckpoint(t *testing.T) {
	cfg := defaultConfig()
	store := NewMemoryStore()
	repo := workitem.NewMemoryRepository()
	o := New(cfg, store, workitem.NewService(repo))
	o.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	conn := newFakeConnector(25)
	conn.fetchErr = func(u Unit, attempt int) error {
		if u.Key == "12" {
			cancel()
			return context.Canceled
		}
		return nil
	}

	_, err := o.SyncScope(ctx, conn, "acme/api")
	require.ErrorIs(t, err, context.Canceled)

	cp, err := store.Checkpoint(context.Background(), "fake", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, conn.units[9].Cursor, cp.Cursor)

	// Restart: resumes from the confirmed batch and never regresses.
	conn.fetchErr = nil
	res, err := o.SyncScope(context.Background(), conn, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 16, res.Units)
	assert.Equal(t, 1, conn.fetchCount("5"), "confirmed units are not refetched")

	cp, err = store.Checkpoint(context.Background(), "fake", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, conn.units[24].Cursor, cp.Cursor)
	assert.Equal(t, 25, repo.Count())
}

func TestMemoryStore_CheckpointNeverRegresses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AdvanceCheckpoint(ctx, "github", "acme/api", "2025-02-01T00:00:00Z", time.Now()))
	require.NoError(t, s.AdvanceCheckpoint(ctx, "github", "acme/api", "2025-01-01T00:00:00Z", time.Now()))

	cp, err := s.Checkpoint(ctx, "github", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, "2025-02-01T00:00:00Z", cp.Cursor)

	require.NoError(t, s.ResetCheckpoint(ctx, "github", "acme/api"))
	_, err = s.Checkpoint(ctx, "github", "acme/api")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestScheduler_RunsAndStops(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(
		Task{Name: "ok", Interval: time.Hour, Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		}},
		Task{Name: "broken", Interval: time.Hour, Run: func(ctx context.Context) error {
			return errors.New("boom")
		}},
	)
	s.Run(context.Background())

	assert.Eventually(t, func() bool {
		for _, st := range s.Status() {
			if st.Status == "pending" || st.Status == "running" {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "broken", status[0].Name)
	assert.Equal(t, "error", status[0].Status)
	assert.Equal(t, "boom", status[0].LastError)
	assert.Equal(t, "ok", status[1].Status)
	assert.Equal(t, int32(1), runs.Load())
}
