package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// ErrNoVerdict is returned when a work item has never been classified
var ErrNoVerdict = errors.New("no verdict")

// Usage types reported by the external model
const (
	UsageNone         = "none"
	UsageAutocomplete = "autocomplete"
	UsageChat         = "chat"
	UsageAgent        = "agent"
)

// Triggers recorded on each verdict version
const (
	TriggerIngest    = "ingest"
	TriggerExternal  = "external"
	TriggerReprocess = "reprocess"
)

// Input is the text the classifiers look at.
type Input struct {
	Key            string
	Repo           string
	Title          string
	Body           string
	CommitMessages []string
	AuthorRef      string
	Additions      int
	Deletions      int
}

// InputFromItem builds classifier input from a stored item.
func InputFromItem(it *workitem.Item) Input {
	return Input{
		Key:            it.Key(),
		Repo:           it.Repo,
		Title:          it.Title,
		Body:           it.Body,
		CommitMessages: it.CommitMessages,
		AuthorRef:      it.AuthorRef,
		Additions:      it.Additions,
		Deletions:      it.Deletions,
	}
}

// Hash identifies the classifiable content. Metadata such as state or
// reviewers does not contribute.
func (in Input) Hash() string {
	h := sha256.New()
	h.Write([]byte(in.Title))
	h.Write([]byte{0})
	h.Write([]byte(in.Body))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(in.CommitMessages, "\x1e")))
	return hex.EncodeToString(h.Sum(nil))
}

// ExternalVerdict is a model's judgment of one input
type ExternalVerdict struct {
	Tools      []string `json:"tools"`
	UsageType  string   `json:"usage_type"`
	Confidence float64  `json:"confidence"`
	Model      string   `json:"model"`
	InputHash  string   `json:"input_hash"`
}

// Assisted reports whether the model judged the item AI-assisted.
func (e *ExternalVerdict) Assisted() bool {
	return e.UsageType != "" && e.UsageType != UsageNone
}

// Verdict is one version of a work item's classification. Versions are
// append-only; the highest is current.
type Verdict struct {
	ItemKey         string           `json:"itemKey"`
	Version         int              `json:"version"`
	PatternSignals  []Signal         `json:"patternSignals"`
	External        *ExternalVerdict `json:"externalVerdict,omitempty"`
	PatternVersion  int              `json:"patternVersion"`
	InputHash       string           `json:"inputHash"`
	FinalIsAssisted bool             `json:"finalIsAssisted"`
	Trigger         string           `json:"trigger"`
	ComputedAt      time.Time        `json:"computedAt"`
}

// NeedsExternal reports whether the model has not yet judged the content
// this version was computed from.
func (v *Verdict) NeedsExternal() bool {
	return v.External == nil || v.External.InputHash != v.InputHash
}

// Reconcile decides final_is_assisted. The external verdict wins when
// present; otherwise any pattern signal means assisted.
func Reconcile(signals []Signal, external *ExternalVerdict) bool {
	if external != nil {
		return external.Assisted()
	}
	return len(signals) > 0
}
