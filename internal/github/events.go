package github

import (
	"strconv"
	"time"

	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// Webhook payload types. Only the fields the pipeline reads are declared.

// Repository is the repository block of a webhook payload
type Repository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
}

// PullRequestEventPayload for the pull_request webhook
type PullRequestEventPayload struct {
	Action      string     `json:"action"` // opened, closed, reopened, edited, synchronize, review_requested
	Number      int        `json:"number"`
	PullRequest Pull       `json:"pull_request"`
	Repository  Repository `json:"repository"`
	Sender      User       `json:"sender"`
}

// PullRequestReviewEventPayload for the pull_request_review webhook
type PullRequestReviewEventPayload struct {
	Action      string     `json:"action"` // submitted, edited, dismissed
	Review      Review     `json:"review"`
	PullRequest Pull       `json:"pull_request"`
	Repository  Repository `json:"repository"`
	Sender      User       `json:"sender"`
}

// CursorFormat is fixed width so cursors compare as byte strings.
const CursorFormat = "2006-01-02T15:04:05Z"

// FormatCursor renders an update timestamp as a checkpoint cursor.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(CursorFormat)
}

// ParseCursor is the inverse of FormatCursor; an empty cursor is the zero time.
func ParseCursor(cursor string) (time.Time, error) {
	if cursor == "" {
		return time.Time{}, nil
	}
	return time.Parse(CursorFormat, cursor)
}

// PatchFromPull normalizes a pull request into a work item patch. Batch sync
// and the pull_request webhook both go through here.
func PatchFromPull(repo string, pr *Pull) *workitem.Patch {
	state := workitem.StateOpen
	switch {
	case pr.MergedAt != nil || pr.Merged:
		state = workitem.StateMerged
	case pr.State == "closed":
		state = workitem.StateClosed
	}

	p := &workitem.Patch{
		Identity: workitem.Identity{
			Source:     workitem.SourceGitHub,
			Repo:       repo,
			ExternalID: strconv.Itoa(pr.Number),
		},
		Title:           strPtr(pr.Title),
		Body:            strPtr(pr.Body),
		URL:             strPtr(pr.HTMLURL),
		State:           &state,
		AuthorRef:       strPtr(pr.User.Login),
		OpenedAt:        timePtr(pr.CreatedAt),
		MergedAt:        pr.MergedAt,
		ClosedAt:        pr.ClosedAt,
		SourceUpdatedAt: timePtr(pr.UpdatedAt),
	}
	if pr.Additions != 0 || pr.Deletions != 0 {
		p.Additions = intPtr(pr.Additions)
		p.Deletions = intPtr(pr.Deletions)
	}
	for _, r := range pr.RequestedReviewers {
		if r.Login != "" && r.Login != pr.User.Login {
			p.ReviewerRefs = append(p.ReviewerRefs, r.Login)
		}
	}
	return p
}

// AddReviews adds review authors as reviewers and sets the first response
// time from the earliest review by someone other than the author.
func AddReviews(p *workitem.Patch, author string, reviews []Review) {
	for _, rv := range reviews {
		if rv.User.Login == "" || rv.User.Login == author || rv.User.Type == "Bot" {
			continue
		}
		if !contains(p.ReviewerRefs, rv.User.Login) {
			p.ReviewerRefs = append(p.ReviewerRefs, rv.User.Login)
		}
		if rv.SubmittedAt.IsZero() {
			continue
		}
		if p.FirstResponseAt == nil || rv.SubmittedAt.Before(*p.FirstResponseAt) {
			p.FirstResponseAt = timePtr(rv.SubmittedAt)
		}
	}
}

// AddCommits sets the commit messages used for classification.
func AddCommits(p *workitem.Patch, commits []Commit) {
	msgs := make([]string, 0, len(commits))
	for _, c := range commits {
		msgs = append(msgs, c.Commit.Message)
	}
	p.CommitMessages = msgs
}

// PatchFromReview normalizes a pull_request_review webhook. The embedded pull
// request lacks size metrics, so only identity, lifecycle and review fields
// are set.
func PatchFromReview(ev *PullRequestReviewEventPayload) *workitem.Patch {
	pr := &ev.PullRequest
	p := &workitem.Patch{
		Identity: workitem.Identity{
			Source:     workitem.SourceGitHub,
			Repo:       ev.Repository.FullName,
			ExternalID: strconv.Itoa(pr.Number),
		},
		AuthorRef: strPtr(pr.User.Login),
		OpenedAt:  timePtr(pr.CreatedAt),
		MergedAt:  pr.MergedAt,
	}
	if ev.Action != "dismissed" {
		AddReviews(p, pr.User.Login, []Review{ev.Review})
	}
	return p
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
