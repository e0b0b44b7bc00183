package workitem

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Source identifies the external system a work item came from
type Source string

const (
	SourceGitHub Source = "github"
	SourceJira   Source = "jira"
)

// State is the lifecycle state of a work item
type State string

const (
	StateOpen   State = "open"
	StateMerged State = "merged"
	StateClosed State = "closed"
)

var (
	// ErrNotFound is returned when no item exists for an identity.
	ErrNotFound = errors.New("work item not found")

	// ErrReconciliationConflict means a write lost an optimistic version check.
	// Upserts are serialized per key, so seeing this points at a second writer
	// outside this process.
	ErrReconciliationConflict = errors.New("reconciliation conflict")
)

// ValidationError rejects a single malformed record. Sync skips the record and
// continues the batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid work item: %s %s", e.Field, e.Reason)
}

// Identity is the unique key of a work item
type Identity struct {
	Source     Source `json:"source"`
	Repo       string `json:"repo"`
	ExternalID string `json:"externalId"`
}

// Key returns a stable string form, e.g. "github:acme/api#42".
func (id Identity) Key() string {
	return fmt.Sprintf("%s:%s#%s", id.Source, id.Repo, id.ExternalID)
}

func (id Identity) Validate() error {
	switch {
	case id.Source == "":
		return &ValidationError{Field: "source", Reason: "is required"}
	case id.Repo == "":
		return &ValidationError{Field: "repo", Reason: "is required"}
	case id.ExternalID == "":
		return &ValidationError{Field: "external_id", Reason: "is required"}
	}
	return nil
}

// InScope reports whether the item's repo is scope itself or lives under the
// scope prefix (an org or a Jira project).
func (id Identity) InScope(scope string) bool {
	return id.Repo == scope || strings.HasPrefix(id.Repo, scope+"/")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ScopePattern is the SQL LIKE pattern for repos under scope, with the
// wildcards in scope itself escaped.
func ScopePattern(scope string) string {
	return likeEscaper.Replace(scope) + "/%"
}

// Item is the canonical record of a mergeable unit of work
type Item struct {
	Identity

	Title          string   `json:"title"`
	Body           string   `json:"body"`
	CommitMessages []string `json:"commitMessages"`
	URL            string   `json:"url"`
	Sprint         string   `json:"sprint,omitempty"`

	State        State    `json:"state"`
	AuthorRef    string   `json:"authorRef"`
	ReviewerRefs []string `json:"reviewerRefs"`
	Additions    int      `json:"additions"`
	Deletions    int      `json:"deletions"`

	OpenedAt        time.Time  `json:"openedAt"`
	MergedAt        *time.Time `json:"mergedAt,omitempty"`
	FirstResponseAt *time.Time `json:"firstResponseAt,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	SourceUpdatedAt time.Time  `json:"sourceUpdatedAt"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CycleTime is merged_at - opened_at. It is always derived.
func (i *Item) CycleTime() (time.Duration, bool) {
	if i.MergedAt == nil || i.OpenedAt.IsZero() {
		return 0, false
	}
	return i.MergedAt.Sub(i.OpenedAt), true
}

// Reviewers returns the reviewer refs other than the author.
func (i *Item) Reviewers() []string {
	out := make([]string, 0, len(i.ReviewerRefs))
	for _, r := range i.ReviewerRefs {
		if r != "" && r != i.AuthorRef {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy.
func (i *Item) Clone() *Item {
	c := *i
	c.CommitMessages = slices.Clone(i.CommitMessages)
	c.ReviewerRefs = slices.Clone(i.ReviewerRefs)
	c.MergedAt = cloneTime(i.MergedAt)
	c.FirstResponseAt = cloneTime(i.FirstResponseAt)
	c.ClosedAt = cloneTime(i.ClosedAt)
	return &c
}

// Patch is a normalized record from a connector or webhook. Nil fields are
// absent and leave the stored value alone.
type Patch struct {
	Identity

	Title          *string
	Body           *string
	CommitMessages []string
	URL            *string
	Sprint         *string

	State        *State
	AuthorRef    *string
	ReviewerRefs []string
	Additions    *int
	Deletions    *int

	OpenedAt        *time.Time
	MergedAt        *time.Time
	FirstResponseAt *time.Time
	ClosedAt        *time.Time
	SourceUpdatedAt *time.Time
}

// Validate checks the patch before it reaches the store.
func (p *Patch) Validate() error {
	if err := p.Identity.Validate(); err != nil {
		return err
	}
	if p.State != nil {
		switch *p.State {
		case StateOpen, StateMerged, StateClosed:
		default:
			return &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown value %q", *p.State)}
		}
	}
	if p.MergedAt != nil && p.OpenedAt != nil && p.MergedAt.Before(*p.OpenedAt) {
		return &ValidationError{Field: "merged_at", Reason: "is before opened_at"}
	}
	for _, r := range p.ReviewerRefs {
		if r == "" {
			return &ValidationError{Field: "reviewer_refs", Reason: "contains an empty ref"}
		}
	}
	return nil
}

// Apply merges p into a copy of cur (nil for a new item) and reports whether
// anything changed. Present fields overwrite, except merged_at and opened_at
// which are immutable once set. reviewer_refs is a union. An item never leaves
// the merged state.
func Apply(cur *Item, p *Patch) (*Item, bool) {
	var next *Item
	if cur == nil {
		next = &Item{Identity: p.Identity, State: StateOpen}
	} else {
		next = cur.Clone()
	}

	setString(&next.Title, p.Title)
	setString(&next.Body, p.Body)
	setString(&next.URL, p.URL)
	setString(&next.Sprint, p.Sprint)
	setString(&next.AuthorRef, p.AuthorRef)
	if p.CommitMessages != nil {
		next.CommitMessages = slices.Clone(p.CommitMessages)
	}
	if p.Additions != nil {
		next.Additions = *p.Additions
	}
	if p.Deletions != nil {
		next.Deletions = *p.Deletions
	}

	for _, r := range p.ReviewerRefs {
		if !slices.Contains(next.ReviewerRefs, r) {
			next.ReviewerRefs = append(next.ReviewerRefs, r)
		}
	}

	if p.OpenedAt != nil && next.OpenedAt.IsZero() {
		next.OpenedAt = p.OpenedAt.UTC()
	}
	if p.MergedAt != nil && next.MergedAt == nil {
		next.MergedAt = utcPtr(*p.MergedAt)
	}
	if p.FirstResponseAt != nil && (next.FirstResponseAt == nil || p.FirstResponseAt.Before(*next.FirstResponseAt)) {
		next.FirstResponseAt = utcPtr(*p.FirstResponseAt)
	}
	if p.ClosedAt != nil {
		next.ClosedAt = utcPtr(*p.ClosedAt)
	}
	if p.SourceUpdatedAt != nil && p.SourceUpdatedAt.After(next.SourceUpdatedAt) {
		next.SourceUpdatedAt = p.SourceUpdatedAt.UTC()
	}

	switch {
	case next.State == StateMerged || next.MergedAt != nil:
		next.State = StateMerged
	case p.State != nil:
		next.State = *p.State
	}

	if cur == nil {
		return next, true
	}
	return next, !sameContent(cur, next)
}

func sameContent(a, b *Item) bool {
	return a.Title == b.Title &&
		a.Body == b.Body &&
		slices.Equal(a.CommitMessages, b.CommitMessages) &&
		a.URL == b.URL &&
		a.Sprint == b.Sprint &&
		a.State == b.State &&
		a.AuthorRef == b.AuthorRef &&
		slices.Equal(a.ReviewerRefs, b.ReviewerRefs) &&
		a.Additions == b.Additions &&
		a.Deletions == b.Deletions &&
		a.OpenedAt.Equal(b.OpenedAt) &&
		equalTime(a.MergedAt, b.MergedAt) &&
		equalTime(a.FirstResponseAt, b.FirstResponseAt) &&
		equalTime(a.ClosedAt, b.ClosedAt) &&
		a.SourceUpdatedAt.Equal(b.SourceUpdatedAt)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
