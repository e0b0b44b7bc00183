// Package survey runs the two-party "AI Detective" survey for merged work
// items: the author says whether AI helped, reviewers guess, and the result
// is revealed once both sides have answered.
package survey

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// State of a survey
type State string

const (
	StateCreated          State = "created"
	StateAwaitingAuthor   State = "awaiting_author"
	StateAwaitingReviewer State = "awaiting_reviewer"
	StateRevealed         State = "revealed"
	StateExpired          State = "expired"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRevealed || s == StateExpired
}

// openStates are the states ExpireStale may leave.
var openStates = []State{StateCreated, StateAwaitingAuthor, StateAwaitingReviewer}

var (
	ErrNotFound         = errors.New("survey not found")
	ErrNotParticipant   = errors.New("responder is not a participant of this survey")
	ErrSurveyClosed     = errors.New("survey is closed")
	ErrUnknownRecipient = errors.New("unknown message recipient")
)

// InvalidRatingError rejects a quality rating outside 1..3
type InvalidRatingError struct {
	Rating int
}

func (e *InvalidRatingError) Error() string {
	return fmt.Sprintf("quality rating must be 1, 2 or 3, got %d", e.Rating)
}

// Survey is the survey of one merged work item
type Survey struct {
	ID string `json:"id"`
	workitem.Identity

	AuthorRef    string   `json:"authorRef"`
	ReviewerRefs []string `json:"reviewerRefs"`
	// SelfReview surveys have no reviewer besides the author. The author's
	// single answer reveals immediately.
	SelfReview bool  `json:"selfReview"`
	State      State `json:"state"`

	AuthorResponse    *bool      `json:"authorResponse,omitempty"`
	AuthorRespondedAt *time.Time `json:"authorRespondedAt,omitempty"`
	RevealedAt        *time.Time `json:"revealedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsReviewer reports whether ref may answer as a reviewer.
func (s *Survey) IsReviewer(ref string) bool {
	return ref != s.AuthorRef && slices.Contains(s.ReviewerRefs, ref)
}

// ReviewerResponse is one reviewer's answer. At most one per (survey, reviewer).
type ReviewerResponse struct {
	SurveyID      string `json:"surveyId"`
	ReviewerRef   string `json:"reviewerRef"`
	QualityRating int    `json:"qualityRating"`
	AIGuess       bool   `json:"aiGuess"`
	// VerdictSnapshot is final_is_assisted when the guess was made; nil if the
	// item had no verdict yet.
	VerdictSnapshot *bool     `json:"verdictSnapshot,omitempty"`
	GuessCorrect    *bool     `json:"guessCorrect,omitempty"`
	RespondedAt     time.Time `json:"respondedAt"`
}

// Score computes guess_correct against the snapshot, or the author's own
// answer when the item had no verdict at response time.
func (r *ReviewerResponse) Score(authorResponse bool) bool {
	truth := authorResponse
	if r.VerdictSnapshot != nil {
		truth = *r.VerdictSnapshot
	}
	return r.AIGuess == truth
}

// ValidateRating checks a quality rating
func ValidateRating(rating int) error {
	if rating < 1 || rating > 3 {
		return &InvalidRatingError{Rating: rating}
	}
	return nil
}
