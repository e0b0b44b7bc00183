package survey

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []Message
	unknown map[string]bool
}

func (m *fakeMessenger) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range msg.Recipients {
		if m.unknown[r] {
			return fmt.Errorf("no slack user for %s: %w", r, ErrUnknownRecipient)
		}
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMessenger) count(kind MessageKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.sent {
		if msg.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	svc       *Service
	repo      *MemoryRepository
	items     *workitem.Service
	verdicts  *classify.MemoryStore
	messenger *fakeMessenger
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      NewMemoryRepository(),
		items:     workitem.NewService(workitem.NewMemoryRepository()),
		verdicts:  classify.NewMemoryStore(),
		messenger: &fakeMessenger{unknown: map[string]bool{}},
		clock:     time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.repo, f.verdicts, f.items, f.messenger, 7*24*time.Hour)
	f.svc.now = func() time.Time { return f.clock }
	f.items.Subscribe(workitem.EventMerged, f.svc.OnMerged)
	f.items.Subscribe(workitem.EventUpserted, f.svc.OnUpserted)
	return f
}

func ptr[T any](v T) *T { return &v }

var itemID = workitem.Identity{Source: workitem.SourceGitHub, Repo: "acme/api", ExternalID: "42"}

// merge stores an item as merged, which opens its survey.
func (f *fixture) merge(t *testing.T, reviewers ...string) *Survey {
	t.Helper()
	opened := f.clock.Add(-2 * time.Hour)
	_, err := f.items.Upsert(context.Background(), &workitem.Patch{
		Identity:     itemID,
		Title:        ptr("Add retry"),
		URL:          ptr("https://github.com/acme/api/pull/42"),
		State:        ptr(workitem.StateMerged),
		AuthorRef:    ptr("alice"),
		ReviewerRefs: reviewers,
		OpenedAt:     &opened,
		MergedAt:     &f.clock,
	})
	require.NoError(t, err)
	sv, err := f.repo.GetByItem(context.Background(), itemID)
	require.NoError(t, err)
	return sv
}

func (f *fixture) setVerdict(t *testing.T, assisted bool) {
	t.Helper()
	require.NoError(t, f.verdicts.Append(context.Background(), &classify.Verdict{
		ItemKey:         itemID.Key(),
		FinalIsAssisted: assisted,
		ComputedAt:      f.clock,
	}))
}

func (f *fixture) state(t *testing.T, id string) State {
	t.Helper()
	sv, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return sv.State
}

func TestSurvey_PatternVerdictScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setVerdict(t, true)

	sv := f.merge(t, "bob")
	assert.Equal(t, StateAwaitingAuthor, f.state(t, sv.ID))
	assert.Equal(t, 1, f.messenger.count(KindAuthorPrompt))
	assert.Equal(t, 1, f.messenger.count(KindReviewerPrompt))

	f.clock = f.clock.Add(40 * time.Minute)
	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", false))
	assert.Equal(t, StateAwaitingReviewer, f.state(t, sv.ID))

	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 2, true))

	assert.Equal(t, StateRevealed, f.state(t, sv.ID))
	responses, err := f.repo.Responses(ctx, sv.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].GuessCorrect)
	assert.True(t, *responses[0].GuessCorrect)
	assert.Equal(t, 1, f.messenger.count(KindReveal))
}

func TestSurvey_ConcurrentReviewersRevealOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setVerdict(t, true)

	reviewers := make([]string, 20)
	for i := range reviewers {
		reviewers[i] = fmt.Sprintf("rev%d", i)
	}
	sv := f.merge(t, reviewers...)
	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", true))

	var wg sync.WaitGroup
	for i, r := range reviewers {
		wg.Add(1)
		go func(r string, guess bool) {
			defer wg.Done()
			assert.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, r, 3, guess))
		}(r, i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, StateRevealed, f.state(t, sv.ID))
	assert.Equal(t, 1, f.messenger.count(KindReveal))
	responses, err := f.repo.Responses(ctx, sv.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 20)
	for _, r := range responses {
		require.NotNil(t, r.GuessCorrect, r.ReviewerRef)
		assert.Equal(t, r.AIGuess, *r.GuessCorrect)
	}
}

func TestSurvey_ReviewersAroundAuthorRevealOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setVerdict(t, false)

	sv := f.merge(t, "bob", "carol")

	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 1, true))
	assert.Equal(t, StateAwaitingAuthor, f.state(t, sv.ID))

	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", false))
	assert.Equal(t, StateRevealed, f.state(t, sv.ID))

	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "carol", 3, false))
	assert.Equal(t, 1, f.messenger.count(KindReveal))

	responses, err := f.repo.Responses(ctx, sv.ID)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	got := map[string]bool{}
	for _, r := range responses {
		require.NotNil(t, r.GuessCorrect)
		got[r.ReviewerRef] = *r.GuessCorrect
	}
	assert.Equal(t, map[string]bool{"bob": false, "carol": true}, got)
}

func TestSurvey_FirstResponseWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sv := f.merge(t, "bob")

	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 1, true))
	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 3, false))
	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", true))
	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", false))

	got, err := f.repo.Get(ctx, sv.ID)
	require.NoError(t, err)
	assert.True(t, *got.AuthorResponse)

	responses, err := f.repo.Responses(ctx, sv.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 1, responses[0].QualityRating)
	assert.True(t, responses[0].AIGuess)
	assert.Equal(t, 1, f.messenger.count(KindReveal))
}

func TestSurvey_SnapshotSurvivesReclassification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setVerdict(t, true)
	sv := f.merge(t, "bob")

	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 2, true))
	f.setVerdict(t, false)
	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", false))

	responses, err := f.repo.Responses(ctx, sv.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.True(t, *responses[0].VerdictSnapshot)
	assert.True(t, *responses[0].GuessCorrect)
}

func TestSurvey_NoVerdictScoresAgainstAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sv := f.merge(t, "bob")

	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", true))
	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 2, true))

	responses, err := f.repo.Responses(ctx, sv.ID)
	require.NoError(t, err)
	assert.Nil(t, responses[0].VerdictSnapshot)
	assert.True(t, *responses[0].GuessCorrect)
}

func TestSurvey_SelfReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sv := f.merge(t, "alice")
	assert.True(t, sv.SelfReview)
	assert.Equal(t, 0, f.messenger.count(KindReviewerPrompt))

	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", true))
	assert.Equal(t, StateRevealed, f.state(t, sv.ID))
	assert.Equal(t, 1, f.messenger.count(KindReveal))

	assert.ErrorIs(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "alice", 2, true), ErrNotParticipant)
	responses, err := f.repo.Responses(ctx, sv.ID)
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestSurvey_ReviewerArrivingAfterMergeJoins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sv := f.merge(t)
	require.True(t, sv.SelfReview)

	_, err := f.items.Upsert(ctx, &workitem.Patch{Identity: itemID, ReviewerRefs: []string{"bob"}})
	require.NoError(t, err)

	sv, err = f.repo.Get(ctx, sv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, sv.ReviewerRefs)
	assert.False(t, sv.SelfReview)
	assert.Equal(t, 1, f.messenger.count(KindReviewerPrompt))

	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", true))
	assert.Equal(t, StateAwaitingReviewer, f.state(t, sv.ID), "author alone does not reveal")

	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 3, true))
	assert.Equal(t, StateRevealed, f.state(t, sv.ID))
	assert.Equal(t, 1, f.messenger.count(KindReveal))

	_, err = f.items.Upsert(ctx, &workitem.Patch{Identity: itemID, ReviewerRefs: []string{"carol"}})
	require.NoError(t, err)
	sv, err = f.repo.Get(ctx, sv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, sv.ReviewerRefs, "revealed surveys keep their participants")
	assert.Equal(t, 1, f.messenger.count(KindReviewerPrompt))
}

func TestSurvey_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sv := f.merge(t, "bob")

	var re *InvalidRatingError
	assert.ErrorAs(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 4, true), &re)
	assert.ErrorAs(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 0, true), &re)
	assert.ErrorIs(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "mallory", 2, true), ErrNotParticipant)
	assert.ErrorIs(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "bob", true), ErrNotParticipant)
	assert.ErrorIs(t, f.svc.RecordAuthorResponse(ctx, "missing", "alice", true), ErrNotFound)
}

func TestSurvey_UnknownAuthorStaysCreated(t *testing.T) {
	f := newFixture(t)
	f.messenger.unknown["alice"] = true

	sv := f.merge(t, "bob")
	assert.Equal(t, StateCreated, f.state(t, sv.ID))
	assert.Equal(t, 0, f.messenger.count(KindReviewerPrompt))
}

func TestSurvey_OpenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sv := f.merge(t, "bob")

	it, err := f.items.Get(ctx, itemID)
	require.NoError(t, err)
	again, err := f.svc.Open(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, sv.ID, again.ID)
	assert.Equal(t, 1, f.messenger.count(KindAuthorPrompt))
}

func TestSurvey_OldMergeOpensNoSurvey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	merged := f.clock.Add(-30 * 24 * time.Hour)

	_, err := f.items.Upsert(ctx, &workitem.Patch{
		Identity:  itemID,
		State:     ptr(workitem.StateMerged),
		AuthorRef: ptr("alice"),
		OpenedAt:  ptr(merged.Add(-time.Hour)),
		MergedAt:  &merged,
	})
	require.NoError(t, err)

	_, err = f.repo.GetByItem(ctx, itemID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, f.messenger.count(KindAuthorPrompt))
}

func TestSurvey_ExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sv := f.merge(t, "bob")

	n, err := f.svc.ExpireStale(ctx, f.clock.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.svc.ExpireStale(ctx, f.clock.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateExpired, f.state(t, sv.ID))

	assert.ErrorIs(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", true), ErrSurveyClosed)
	assert.Equal(t, 0, f.messenger.count(KindReveal))
}

func TestSurvey_RevealedNeverExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sv := f.merge(t, "bob")
	require.NoError(t, f.svc.RecordAuthorResponse(ctx, sv.ID, "alice", true))
	require.NoError(t, f.svc.RecordReviewerResponse(ctx, sv.ID, "bob", 2, true))

	n, err := f.svc.ExpireStale(ctx, f.clock.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StateRevealed, f.state(t, sv.ID))
}
