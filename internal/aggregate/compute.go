// Package aggregate projects work items, verdicts, surveys and usage into
// weekly rollups and a responder leaderboard. Every row can be rebuilt from
// its inputs at any time.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/survey"
	"github.com/skridlevsky/ai-detective/internal/usage"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// WeeklyAggregate is the rollup for one scope and ISO week
type WeeklyAggregate struct {
	Scope     string    `json:"scope"`
	WeekStart time.Time `json:"weekStart"`

	MergedCount     int     `json:"mergedCount"`
	AvgCycleSeconds float64 `json:"avgCycleSeconds"`

	ClassifiedCount int     `json:"classifiedCount"`
	AssistedCount   int     `json:"assistedCount"`
	AssistedRatio   float64 `json:"assistedRatio"`

	SurveysCreated  int     `json:"surveysCreated"`
	SurveysRevealed int     `json:"surveysRevealed"`
	CompletionRate  float64 `json:"completionRate"`

	Guesses        int             `json:"guesses"`
	CorrectGuesses int             `json:"correctGuesses"`
	GuessAccuracy  float64         `json:"guessAccuracy"`
	Responders     []ResponderStat `json:"responders"`

	ActiveUsers     int     `json:"activeUsers"`
	CodeSuggestions int     `json:"codeSuggestions"`
	CodeAcceptances int     `json:"codeAcceptances"`
	AcceptanceRate  float64 `json:"acceptanceRate"`

	ComputedAt time.Time `json:"computedAt"`
}

// ResponderStat is one responder's guess record
type ResponderStat struct {
	Ref      string  `json:"ref"`
	Guesses  int     `json:"guesses"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// Inputs are the rows one week's rollup is computed from.
type Inputs struct {
	// Items merged during the week
	Items []*workitem.Item
	// Verdicts holds the current verdict per item key
	Verdicts map[string]*classify.Verdict
	// Surveys created during the week
	Surveys []*survey.Survey
	// Responses given during the week
	Responses []*survey.ReviewerResponse
	Usage     []usage.Day
}

// WeekStart returns Monday 00:00 UTC of t's week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// Compute is a pure function of its arguments.
func Compute(scope string, weekStart time.Time, in Inputs) WeeklyAggregate {
	agg := WeeklyAggregate{Scope: scope, WeekStart: weekStart}

	var cycleTotal time.Duration
	cycles := 0
	for _, it := range in.Items {
		agg.MergedCount++
		if d, ok := it.CycleTime(); ok {
			cycleTotal += d
			cycles++
		}
		if v, ok := in.Verdicts[it.Key()]; ok {
			agg.ClassifiedCount++
			if v.FinalIsAssisted {
				agg.AssistedCount++
			}
		}
	}
	if cycles > 0 {
		agg.AvgCycleSeconds = cycleTotal.Seconds() / float64(cycles)
	}
	agg.AssistedRatio = ratio(agg.AssistedCount, agg.ClassifiedCount)

	for _, s := range in.Surveys {
		agg.SurveysCreated++
		if s.State == survey.StateRevealed {
			agg.SurveysRevealed++
		}
	}
	agg.CompletionRate = ratio(agg.SurveysRevealed, agg.SurveysCreated)

	agg.Responders = RankResponders(in.Responses)
	for _, r := range agg.Responders {
		agg.Guesses += r.Guesses
		agg.CorrectGuesses += r.Correct
	}
	agg.GuessAccuracy = ratio(agg.CorrectGuesses, agg.Guesses)

	for _, d := range in.Usage {
		if d.ActiveUsers > agg.ActiveUsers {
			agg.ActiveUsers = d.ActiveUsers
		}
		agg.CodeSuggestions += d.CodeSuggestions
		agg.CodeAcceptances += d.CodeAcceptances
	}
	agg.AcceptanceRate = ratio(agg.CodeAcceptances, agg.CodeSuggestions)

	return agg
}

// RankResponders tallies scored responses per reviewer, ordered by accuracy,
// then number of guesses, then ref. Unscored responses do not count.
func RankResponders(responses []*survey.ReviewerResponse) []ResponderStat {
	byRef := make(map[string]*ResponderStat)
	for _, r := range responses {
		if r.GuessCorrect == nil {
			continue
		}
		st, ok := byRef[r.ReviewerRef]
		if !ok {
			st = &ResponderStat{Ref: r.ReviewerRef}
			byRef[r.ReviewerRef] = st
		}
		st.Guesses++
		if *r.GuessCorrect {
			st.Correct++
		}
	}

	out := make([]ResponderStat, 0, len(byRef))
	for _, st := range byRef {
		st.Accuracy = ratio(st.Correct, st.Guesses)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		// Compare correct/guesses by cross-multiplying to avoid float ties.
		if l, r := a.Correct*b.Guesses, b.Correct*a.Guesses; l != r {
			return l > r
		}
		if a.Guesses != b.Guesses {
			return a.Guesses > b.Guesses
		}
		return a.Ref < b.Ref
	})
	return out
}

// OrgOf returns the usage org for a scope: the owner of "owner/repo", or the
// scope itself.
func OrgOf(scope string) string {
	if i := strings.Index(scope, "/"); i >= 0 {
		return scope[:i]
	}
	return scope
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
