package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridlevsky/ai-detective/internal/aggregate"
	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/db"
	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/survey"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

func ptr[T any](v T) *T { return &v }

type fakeDB struct{ err error }

func (f fakeDB) Health(context.Context) error { return f.err }

type fakePool struct{}

func (fakePool) Stats() db.PoolStats {
	return db.PoolStats{SchemaVersion: "001_initial", MaxConns: 21}
}

type nopMessenger struct{}

func (nopMessenger) Send(context.Context, survey.Message) error { return nil }

type testEnv struct {
	items      *workitem.Service
	verdicts   *classify.MemoryStore
	surveys    *survey.MemoryRepository
	svc        *survey.Service
	classifier *classify.Engine
	aggregates *aggregate.Engine
	router     http.Handler
	limiters   *RateLimiters
}

const adminToken = "s3cret"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		items:    workitem.NewService(workitem.NewMemoryRepository()),
		verdicts: classify.NewMemoryStore(),
		surveys:  survey.NewMemoryRepository(),
	}
	e.classifier = classify.NewEngine(classify.Config{}, e.verdicts, e.items, nil)
	e.svc = survey.NewService(e.surveys, e.verdicts, e.items, nopMessenger{}, 7*24*time.Hour)
	e.items.Subscribe(workitem.EventUpserted, e.classifier.OnUpserted)
	e.items.Subscribe(workitem.EventMerged, e.svc.OnMerged)
	e.aggregates = aggregate.NewEngine(e.items, e.verdicts, e.surveys, nil, aggregate.NewMemoryStore())

	res := NewRouter(&RouterConfig{
		Database:   fakeDB{},
		Dashboard:  NewDashboardHandler(e.aggregates, e.items, e.verdicts, e.surveys),
		Admin:      NewAdminHandler(orchestrator.NewMemoryStore(), nil, nil, fakePool{}, e.classifier, e.aggregates),
		AdminToken: adminToken,
	})
	t.Cleanup(res.RateLimiters.Stop)
	e.router = res.Router
	e.limiters = res.RateLimiters
	return e
}

// mergeItem stores a merged pull request whose body carries an AI trailer.
func (e *testEnv) mergeItem(t *testing.T, mergedAt time.Time) workitem.Identity {
	t.Helper()
	id := workitem.Identity{Source: workitem.SourceGitHub, Repo: "acme/api", ExternalID: "42"}
	opened := mergedAt.Add(-2 * time.Hour)
	_, err := e.items.Upsert(context.Background(), &workitem.Patch{
		Identity:     id,
		Title:        ptr("Add retries"),
		Body:         ptr("Co-Authored-By: Claude <noreply@anthropic.com>"),
		State:        ptr(workitem.StateMerged),
		AuthorRef:    ptr("alice"),
		ReviewerRefs: []string{"bob"},
		OpenedAt:     &opened,
		MergedAt:     &mergedAt,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(fakeDB{}, nil)(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(fakeDB{err: errors.New("down")}, nil)(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unhealthy", body.Services["database"])
}

func TestAggregates_RequiresScope(t *testing.T) {
	e := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/aggregates").Code)
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/aggregates?scope=acme&from=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/aggregates?scope=acme&from=2025-05-01&to=2025-04-01").Code)
}

func TestAggregates_AfterRebuild(t *testing.T) {
	e := newTestEnv(t)
	mergedAt := time.Now().UTC()
	e.mergeItem(t, mergedAt)

	_, err := e.aggregates.Rebuild(context.Background(), "acme", mergedAt)
	require.NoError(t, err)

	rec := e.get(t, "/api/aggregates?scope=acme")
	require.Equal(t, http.StatusOK, rec.Code)

	var body AggregatesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Weeks, 1)
	assert.Equal(t, 1, body.Weeks[0].MergedCount)
	assert.Equal(t, 1, body.Weeks[0].AssistedCount)
	assert.Equal(t, 1, body.Weeks[0].SurveysCreated)
}

func TestItems_IncludeCurrentVerdict(t *testing.T) {
	e := newTestEnv(t)
	id := e.mergeItem(t, time.Now().UTC())

	rec := e.get(t, "/api/items?scope=acme")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []struct {
		ExternalID string `json:"externalId"`
		Verdict    *struct {
			Version         int  `json:"version"`
			FinalIsAssisted bool `json:"finalIsAssisted"`
		} `json:"verdict"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, id.ExternalID, body[0].ExternalID)
	require.NotNil(t, body[0].Verdict)
	assert.True(t, body[0].Verdict.FinalIsAssisted)

	rec = e.get(t, "/api/verdicts?key="+strings.ReplaceAll(id.Key(), "#", "%23"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trigger":"ingest"`)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/verdicts?key=github:acme/api%2399").Code)
}

func TestSurvey_ResponsesHiddenUntilRevealed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.mergeItem(t, time.Now().UTC())

	sv, err := e.surveys.GetByItem(ctx, id)
	require.NoError(t, err)
	require.NoError(t, e.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 3, true))

	var body SurveyResponse
	rec := e.get(t, "/api/surveys/"+sv.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, survey.StateAwaitingAuthor, body.State)
	assert.Empty(t, body.Responses)

	require.NoError(t, e.svc.RecordAuthorResponse(ctx, sv.ID, "alice", true))

	rec = e.get(t, "/api/surveys/"+sv.ID)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, survey.StateRevealed, body.State)
	require.Len(t, body.Responses, 1)
	assert.True(t, *body.Responses[0].GuessCorrect)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/surveys/missing").Code)
}

func TestLeaderboard(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.mergeItem(t, time.Now().UTC())

	sv, err := e.surveys.GetByItem(ctx, id)
	require.NoError(t, err)
	require.NoError(t, e.svc.RecordAuthorResponse(ctx, sv.ID, "alice", false))
	require.NoError(t, e.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 2, true))

	rec := e.get(t, "/api/leaderboard?scope=acme")
	require.Equal(t, http.StatusOK, rec.Code)

	var body LeaderboardResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Responders, 1)
	// The pattern verdict says assisted, so the guess is right even though
	// the author said no.
	assert.Equal(t, aggregate.ResponderStat{Ref: "bob", Guesses: 1, Correct: 1, Accuracy: 1}, body.Responders[0])
}

func TestExport_CSV(t *testing.T) {
	e := newTestEnv(t)
	mergedAt := time.Now().UTC()
	e.mergeItem(t, mergedAt)
	_, err := e.aggregates.Rebuild(context.Background(), "acme", mergedAt)
	require.NoError(t, err)

	rec := e.get(t, "/api/aggregates/export?scope=acme")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "scope,week_start,merged_count"))
	assert.True(t, strings.HasPrefix(lines[1], "acme,"+aggregate.WeekStart(mergedAt).Format("2006-01-02")+",1,"))

	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/aggregates/export?scope=acme&format=xml").Code)
}

func TestExport_RateLimited(t *testing.T) {
	e := newTestEnv(t)

	assert.Equal(t, http.StatusOK, e.get(t, "/api/aggregates/export?scope=acme").Code)
	assert.Equal(t, http.StatusOK, e.get(t, "/api/aggregates/export?scope=acme").Code)
	assert.Equal(t, http.StatusTooManyRequests, e.get(t, "/api/aggregates/export?scope=acme").Code)
}

func TestAdmin_RequiresToken(t *testing.T) {
	e := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized, e.get(t, "/api/sync/status").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body SyncStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, classify.DefaultPatterns().Version, body.PatternVersion)
	assert.Empty(t, body.Checkpoints)
	require.NotNil(t, body.Database)
	assert.Equal(t, "001_initial", body.Database.SchemaVersion)
}

func TestAdmin_RebuildAndReprocess(t *testing.T) {
	e := newTestEnv(t)
	e.mergeItem(t, time.Now().UTC())

	post := func(target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, target, nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		return rec
	}

	rec := post("/api/admin/rebuild?scope=acme")
	require.Equal(t, http.StatusOK, rec.Code)
	var rebuilt map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rebuilt))
	assert.Greater(t, rebuilt["weeks"], 0)

	// Content and patterns are unchanged, so no new versions.
	rec = post("/api/admin/reprocess?scope=acme")
	require.Equal(t, http.StatusOK, rec.Code)
	var reprocessed map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reprocessed))
	assert.Equal(t, 0, reprocessed["newVersions"])

	assert.Equal(t, http.StatusBadRequest, post("/api/admin/reprocess").Code)
}

func TestCORS(t *testing.T) {
	h := CORSMiddleware([]string{"https://dash.acme.io"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/aggregates", nil)
	req.Header.Set("Origin", "https://dash.acme.io")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dash.acme.io", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/aggregates", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l := NewLimiter(LimiterConfig{Name: "test", Limit: 2, Window: time.Minute})
	defer l.Stop()
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.2:1234"

	ok, _ := l.Take(req)
	assert.True(t, ok)
	now = now.Add(20 * time.Second)
	ok, _ = l.Take(req)
	assert.True(t, ok)

	ok, wait := l.Take(req)
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, wait, "room again once the first hit leaves the window")

	ok, _ = l.Take(other)
	assert.True(t, ok)

	now = now.Add(40 * time.Second)
	ok, _ = l.Take(req)
	assert.True(t, ok)
}

func TestLimiter_MiddlewareSetsRetryAfter(t *testing.T) {
	l := NewLimiter(LimiterConfig{Name: "test", Limit: 1, Window: time.Minute})
	defer l.Stop()
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestInboundLimiter_KeyedPerRoute(t *testing.T) {
	l := NewLimiter(LimiterConfig{Name: "inbound", Limit: 1, Window: time.Minute, Key: RouteAndIP})
	defer l.Stop()

	hook := httptest.NewRequest(http.MethodPost, "/webhooks/github", nil)
	hook.RemoteAddr = "140.82.112.1:443"
	slackReq := httptest.NewRequest(http.MethodPost, "/slack/interactions", nil)
	slackReq.RemoteAddr = "140.82.112.1:443"

	ok, _ := l.Take(hook)
	assert.True(t, ok)
	ok, _ = l.Take(slackReq)
	assert.True(t, ok, "webhook traffic does not use up the slack allowance")
	ok, _ = l.Take(hook)
	assert.False(t, ok)
}

func TestRouter_InboundRoutesAreLimited(t *testing.T) {
	var calls int
	res := NewRouter(&RouterConfig{
		GitHubWebhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }),
	})
	defer res.RateLimiters.Stop()
	res.RateLimiters.Inbound.limit = 2

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		res.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/github", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 2, calls)
}
