package survey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/metrics"
	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// MessageKind says which interactive message to render
type MessageKind string

const (
	KindAuthorPrompt   MessageKind = "author_prompt"
	KindReviewerPrompt MessageKind = "reviewer_prompt"
	KindReveal         MessageKind = "reveal"
)

// Message is an outbound survey message. Recipients are source refs
// (e.g. GitHub logins); the Messenger maps them to its own identities.
type Message struct {
	Kind       MessageKind
	SurveyID   string
	Recipients []string
	ItemTitle  string
	ItemURL    string
	Repo       string
	SelfReview bool

	// Reveal only
	AuthorUsedAI *bool
	Assisted     *bool
	Responses    []*ReviewerResponse
}

// Messenger delivers survey messages. Unknown recipients return an error
// wrapping ErrUnknownRecipient.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// VerdictReader returns an item's current classification
type VerdictReader interface {
	Current(ctx context.Context, itemKey string) (*classify.Verdict, error)
}

// ItemReader loads work items for message context
type ItemReader interface {
	Get(ctx context.Context, id workitem.Identity) (*workitem.Item, error)
}

// Service drives the survey state machine. All transitions go through
// Repository compare-and-set calls, so any number of callers may race.
type Service struct {
	repo      Repository
	verdicts  VerdictReader
	items     ItemReader
	messenger Messenger
	expiry    time.Duration
	now       func() time.Time
}

func NewService(repo Repository, verdicts VerdictReader, items ItemReader, messenger Messenger, expiry time.Duration) *Service {
	return &Service{
		repo:      repo,
		verdicts:  verdicts,
		items:     items,
		messenger: messenger,
		expiry:    expiry,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Repository returns the survey repository
func (s *Service) Repository() Repository {
	return s.repo
}

// OnMerged is the entity store subscriber for EventMerged. Items merged
// longer ago than the expiry window get no survey; a historical backfill
// would otherwise prompt people about work they no longer remember.
func (s *Service) OnMerged(ctx context.Context, ev workitem.Event) {
	if m := ev.Item.MergedAt; m != nil && s.now().Sub(*m) > s.expiry {
		slog.Debug("Skipping survey for old merge", "key", ev.Item.Key(), "merged_at", *m)
		return
	}
	if _, err := s.Open(ctx, ev.Item); err != nil {
		slog.Error("Failed to open survey", "key", ev.Item.Key(), "error", err)
	}
}

// Open creates the survey for a merged item and sends the prompts. A second
// call for the same item returns the existing survey and sends nothing.
func (s *Service) Open(ctx context.Context, it *workitem.Item) (*Survey, error) {
	reviewers := it.Reviewers()
	now := s.now()
	sv, created, err := s.repo.CreateIfAbsent(ctx, &Survey{
		ID:           uuid.NewString(),
		Identity:     it.Identity,
		AuthorRef:    it.AuthorRef,
		ReviewerRefs: reviewers,
		SelfReview:   len(reviewers) == 0,
		State:        StateCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return sv, nil
	}
	metrics.ObserveSurveyTransition(string(StateCreated))
	slog.Info("Survey created", "survey", sv.ID, "key", it.Key(), "reviewers", len(reviewers))

	base := Message{SurveyID: sv.ID, ItemTitle: it.Title, ItemURL: it.URL, Repo: it.Repo, SelfReview: sv.SelfReview}

	author := base
	author.Kind = KindAuthorPrompt
	author.Recipients = []string{it.AuthorRef}
	if err := s.messenger.Send(ctx, author); err != nil {
		s.logDelivery(sv, it.AuthorRef, err)
		return sv, nil
	}
	if ok, err := s.transition(ctx, sv.ID, []State{StateCreated}, StateAwaitingAuthor); err != nil {
		return nil, err
	} else if ok {
		sv.State = StateAwaitingAuthor
	}

	for _, r := range reviewers {
		msg := base
		msg.Kind = KindReviewerPrompt
		msg.Recipients = []string{r}
		if err := s.messenger.Send(ctx, msg); err != nil {
			s.logDelivery(sv, r, err)
		}
	}
	return sv, nil
}

// OnUpserted is the entity store subscriber for EventUpserted. GitHub drops
// reviewers from requested_reviewers once they have reviewed, so the merge
// can arrive before its review data. Reviewers that show up later join the
// survey while it is open.
func (s *Service) OnUpserted(ctx context.Context, ev workitem.Event) {
	if ev.Item.State != workitem.StateMerged {
		return
	}
	if err := s.addReviewers(ctx, ev.Item); err != nil {
		slog.Error("Failed to update survey reviewers", "key", ev.Item.Key(), "error", err)
	}
}

func (s *Service) addReviewers(ctx context.Context, it *workitem.Item) error {
	sv, err := s.repo.GetByItem(ctx, it.Identity)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sv.State.Terminal() {
		return nil
	}

	var added []string
	for _, r := range it.Reviewers() {
		if !slices.Contains(sv.ReviewerRefs, r) {
			added = append(added, r)
		}
	}
	if len(added) == 0 {
		return nil
	}
	changed, err := s.repo.AddReviewers(ctx, sv.ID, added, s.now())
	if err != nil || !changed {
		return err
	}
	slog.Info("Survey reviewers added", "survey", sv.ID, "key", it.Key(), "reviewers", added)

	for _, r := range added {
		msg := Message{
			Kind:       KindReviewerPrompt,
			SurveyID:   sv.ID,
			Recipients: []string{r},
			ItemTitle:  it.Title,
			ItemURL:    it.URL,
			Repo:       it.Repo,
		}
		if err := s.messenger.Send(ctx, msg); err != nil {
			s.logDelivery(sv, r, err)
		}
	}
	return nil
}

func (s *Service) logDelivery(sv *Survey, recipient string, err error) {
	if errors.Is(err, ErrUnknownRecipient) {
		slog.Warn("Skipping survey message for unknown recipient", "survey", sv.ID, "recipient", recipient)
		return
	}
	slog.Error("Failed to deliver survey message", "survey", sv.ID, "recipient", recipient, "error", err)
}

// RecordAuthorResponse stores the author's answer. Only the first answer
// counts; repeats are ignored without error.
func (s *Service) RecordAuthorResponse(ctx context.Context, surveyID, responder string, usedAI bool) error {
	sv, err := s.repo.Get(ctx, surveyID)
	if err != nil {
		return err
	}
	if responder != sv.AuthorRef {
		return ErrNotParticipant
	}
	if sv.State == StateExpired {
		return ErrSurveyClosed
	}

	first, err := s.repo.SetAuthorResponse(ctx, surveyID, usedAI, s.now())
	if err != nil {
		return err
	}
	if !first {
		slog.Debug("Ignoring repeat author response", "survey", surveyID)
		return nil
	}

	if sv.SelfReview {
		won, err := s.transition(ctx, surveyID, openStates, StateRevealed)
		if err != nil || !won {
			return err
		}
		return s.sendReveal(ctx, surveyID)
	}

	if _, err := s.transition(ctx, surveyID, []State{StateCreated, StateAwaitingAuthor}, StateAwaitingReviewer); err != nil {
		return err
	}
	return s.tryReveal(ctx, surveyID)
}

// RecordReviewerResponse stores a reviewer's rating and guess. The current
// verdict is snapshotted now so later reclassification cannot change the
// score. Only the first answer per reviewer counts.
func (s *Service) RecordReviewerResponse(ctx context.Context, surveyID, reviewer string, rating int, aiGuess bool) error {
	if err := ValidateRating(rating); err != nil {
		return err
	}
	sv, err := s.repo.Get(ctx, surveyID)
	if err != nil {
		return err
	}
	if !sv.IsReviewer(reviewer) {
		return ErrNotParticipant
	}
	if sv.State == StateExpired {
		return ErrSurveyClosed
	}

	resp := &ReviewerResponse{
		SurveyID:      surveyID,
		ReviewerRef:   reviewer,
		QualityRating: rating,
		AIGuess:       aiGuess,
		RespondedAt:   s.now(),
	}
	v, err := s.verdicts.Current(ctx, sv.Key())
	switch {
	case err == nil:
		assisted := v.FinalIsAssisted
		resp.VerdictSnapshot = &assisted
	case !errors.Is(err, classify.ErrNoVerdict):
		return fmt.Errorf("failed to snapshot verdict: %w", err)
	}
	if sv.AuthorResponse != nil {
		correct := resp.Score(*sv.AuthorResponse)
		resp.GuessCorrect = &correct
	}

	inserted, err := s.repo.InsertResponse(ctx, resp)
	if err != nil {
		return err
	}
	if !inserted {
		slog.Debug("Ignoring repeat reviewer response", "survey", surveyID, "reviewer", reviewer)
		return nil
	}
	return s.tryReveal(ctx, surveyID)
}

// tryReveal scores pending responses and, once the author has answered and
// at least one reviewer has, moves AwaitingReviewer to Revealed. Only the
// caller whose compare-and-set wins sends the reveal.
func (s *Service) tryReveal(ctx context.Context, surveyID string) error {
	sv, err := s.repo.Get(ctx, surveyID)
	if err != nil {
		return err
	}
	if sv.AuthorResponse == nil {
		return nil
	}
	if err := s.repo.ScoreResponses(ctx, surveyID, *sv.AuthorResponse); err != nil {
		return err
	}
	if sv.State != StateAwaitingReviewer {
		return nil
	}
	responses, err := s.repo.Responses(ctx, surveyID)
	if err != nil {
		return err
	}
	if len(responses) == 0 {
		return nil
	}

	won, err := s.transition(ctx, surveyID, []State{StateAwaitingReviewer}, StateRevealed)
	if err != nil || !won {
		return err
	}
	return s.sendReveal(ctx, surveyID)
}

func (s *Service) sendReveal(ctx context.Context, surveyID string) error {
	sv, err := s.repo.Get(ctx, surveyID)
	if err != nil {
		return err
	}
	responses, err := s.repo.Responses(ctx, surveyID)
	if err != nil {
		return err
	}

	msg := Message{
		Kind:         KindReveal,
		SurveyID:     sv.ID,
		Recipients:   []string{sv.AuthorRef},
		Repo:         sv.Repo,
		SelfReview:   sv.SelfReview,
		AuthorUsedAI: sv.AuthorResponse,
		Responses:    responses,
	}
	for _, r := range responses {
		msg.Recipients = append(msg.Recipients, r.ReviewerRef)
	}
	if it, err := s.items.Get(ctx, sv.Identity); err == nil {
		msg.ItemTitle, msg.ItemURL = it.Title, it.URL
	}
	if v, err := s.verdicts.Current(ctx, sv.Key()); err == nil {
		msg.Assisted = &v.FinalIsAssisted
	}

	slog.Info("Survey revealed", "survey", sv.ID, "key", sv.Key(), "responses", len(responses))
	if err := s.messenger.Send(ctx, msg); err != nil {
		s.logDelivery(sv, sv.AuthorRef, err)
	}
	return nil
}

// ExpireStale moves every open survey created before now-expiry to Expired
// and returns how many it moved.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	var stale []*Survey
	for _, st := range openStates {
		list, err := s.repo.List(ctx, Filter{State: st, CreatedBefore: now.Add(-s.expiry)})
		if err != nil {
			return 0, err
		}
		stale = append(stale, list...)
	}

	expired := 0
	for _, sv := range stale {
		ok, err := s.transition(ctx, sv.ID, openStates, StateExpired)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		slog.Info("Expired stale surveys", "count", expired)
	}
	return expired, nil
}

// SweepTask runs ExpireStale on the scheduler.
func (s *Service) SweepTask(interval time.Duration) orchestrator.Task {
	return orchestrator.Task{
		Name:     "survey:expire",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.ExpireStale(ctx, s.now())
			return err
		},
	}
}

func (s *Service) transition(ctx context.Context, id string, from []State, to State) (bool, error) {
	ok, err := s.repo.CompareAndSetState(ctx, id, from, to, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		metrics.ObserveSurveyTransition(string(to))
	}
	return ok, nil
}
