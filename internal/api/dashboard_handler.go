package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skridlevsky/ai-detective/internal/aggregate"
	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/survey"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// defaultWindow is how far back rollup queries reach without ?from=
const defaultWindow = 12 * 7 * 24 * time.Hour

// DashboardHandler serves the read side: rollups, leaderboard, items with
// their verdicts and surveys.
type DashboardHandler struct {
	aggregates *aggregate.Engine
	items      *workitem.Service
	verdicts   classify.VerdictStore
	surveys    survey.Repository
	now        func() time.Time
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(aggregates *aggregate.Engine, items *workitem.Service, verdicts classify.VerdictStore, surveys survey.Repository) *DashboardHandler {
	return &DashboardHandler{
		aggregates: aggregates,
		items:      items,
		verdicts:   verdicts,
		surveys:    surveys,
		now:        time.Now,
	}
}

// rangeParams reads ?scope=, ?from= and ?to=. scope is required.
func (h *DashboardHandler) rangeParams(w http.ResponseWriter, r *http.Request) (string, time.Time, time.Time, bool) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		respondError(w, http.StatusBadRequest, "scope is required")
		return "", time.Time{}, time.Time{}, false
	}
	now := h.now().UTC()
	from, ok := queryTime(r, "from", now.Add(-defaultWindow))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid from")
		return "", time.Time{}, time.Time{}, false
	}
	to, ok := queryTime(r, "to", now)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid to")
		return "", time.Time{}, time.Time{}, false
	}
	if !from.Before(to) {
		respondError(w, http.StatusBadRequest, "from must be before to")
		return "", time.Time{}, time.Time{}, false
	}
	return scope, from, to, true
}

// AggregatesResponse is the body of GET /api/aggregates
type AggregatesResponse struct {
	Scope string                       `json:"scope"`
	Weeks []*aggregate.WeeklyAggregate `json:"weeks"`
}

// Aggregates handles GET /api/aggregates
func (h *DashboardHandler) Aggregates(w http.ResponseWriter, r *http.Request) {
	scope, from, to, ok := h.rangeParams(w, r)
	if !ok {
		return
	}

	weeks, err := h.aggregates.Weekly(r.Context(), scope, from, to)
	if err != nil {
		slog.Error("Failed to fetch aggregates", "scope", scope, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, AggregatesResponse{Scope: scope, Weeks: weeks})
}

// LeaderboardResponse is the body of GET /api/leaderboard
type LeaderboardResponse struct {
	Scope      string                    `json:"scope"`
	Since      *time.Time                `json:"since,omitempty"`
	Responders []aggregate.ResponderStat `json:"responders"`
}

// Leaderboard handles GET /api/leaderboard
func (h *DashboardHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		respondError(w, http.StatusBadRequest, "scope is required")
		return
	}
	since, ok := queryTime(r, "since", time.Time{})
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid since")
		return
	}

	ranked, err := h.aggregates.Leaderboard(r.Context(), scope, since)
	if err != nil {
		slog.Error("Failed to compute leaderboard", "scope", scope, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := LeaderboardResponse{Scope: scope, Responders: ranked}
	if !since.IsZero() {
		resp.Since = &since
	}
	respondJSON(w, http.StatusOK, resp)
}

// ItemView is a work item with its current verdict
type ItemView struct {
	*workitem.Item
	Verdict *classify.Verdict `json:"verdict,omitempty"`
}

// Items handles GET /api/items
func (h *DashboardHandler) Items(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f := workitem.Filter{
		Scope: r.URL.Query().Get("scope"),
		State: workitem.State(r.URL.Query().Get("state")),
		Limit: queryLimit(r, 50, 500),
	}
	since, ok := queryTime(r, "mergedSince", time.Time{})
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid mergedSince")
		return
	}
	f.MergedSince = since

	items, err := h.items.List(ctx, f)
	if err != nil {
		slog.Error("Failed to list items", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key()
	}
	verdicts, err := h.verdicts.CurrentMany(ctx, keys)
	if err != nil {
		slog.Error("Failed to load verdicts", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]ItemView, len(items))
	for i, it := range items {
		views[i] = ItemView{Item: it, Verdict: verdicts[it.Key()]}
	}
	respondJSON(w, http.StatusOK, views)
}

// Verdicts handles GET /api/verdicts?key=github:acme/api%2342
func (h *DashboardHandler) Verdicts(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		respondError(w, http.StatusBadRequest, "key is required")
		return
	}

	history, err := h.verdicts.History(r.Context(), key)
	if err != nil {
		slog.Error("Failed to load verdict history", "key", key, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(history) == 0 {
		respondError(w, http.StatusNotFound, "no verdicts for item")
		return
	}
	respondJSON(w, http.StatusOK, history)
}

// Surveys handles GET /api/surveys
func (h *DashboardHandler) Surveys(w http.ResponseWriter, r *http.Request) {
	f := survey.Filter{
		Scope: r.URL.Query().Get("scope"),
		State: survey.State(r.URL.Query().Get("state")),
		Limit: queryLimit(r, 50, 500),
	}
	list, err := h.surveys.List(r.Context(), f)
	if err != nil {
		slog.Error("Failed to list surveys", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// SurveyResponse is a survey with its reviewer responses. Responses are
// withheld until the survey is revealed.
type SurveyResponse struct {
	*survey.Survey
	Responses []*survey.ReviewerResponse `json:"responses"`
}

// GetSurvey handles GET /api/surveys/{id}
func (h *DashboardHandler) GetSurvey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	sv, err := h.surveys.Get(ctx, id)
	if errors.Is(err, survey.ErrNotFound) {
		respondError(w, http.StatusNotFound, "survey not found")
		return
	}
	if err != nil {
		slog.Error("Failed to fetch survey", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := SurveyResponse{Survey: sv, Responses: []*survey.ReviewerResponse{}}
	if sv.State == survey.StateRevealed {
		responses, err := h.surveys.Responses(ctx, id)
		if err != nil {
			slog.Error("Failed to fetch survey responses", "id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Responses = responses
	}
	respondJSON(w, http.StatusOK, resp)
}

var exportHeader = []string{
	"scope", "week_start", "merged_count", "avg_cycle_seconds",
	"classified_count", "assisted_count", "assisted_ratio",
	"surveys_created", "surveys_revealed", "completion_rate",
	"guesses", "correct_guesses", "guess_accuracy",
	"active_users", "code_suggestions", "code_acceptances", "acceptance_rate",
	"computed_at",
}

func exportRow(a *aggregate.WeeklyAggregate) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	return []string{
		a.Scope, a.WeekStart.Format("2006-01-02"),
		strconv.Itoa(a.MergedCount), f(a.AvgCycleSeconds),
		strconv.Itoa(a.ClassifiedCount), strconv.Itoa(a.AssistedCount), f(a.AssistedRatio),
		strconv.Itoa(a.SurveysCreated), strconv.Itoa(a.SurveysRevealed), f(a.CompletionRate),
		strconv.Itoa(a.Guesses), strconv.Itoa(a.CorrectGuesses), f(a.GuessAccuracy),
		strconv.Itoa(a.ActiveUsers), strconv.Itoa(a.CodeSuggestions), strconv.Itoa(a.CodeAcceptances), f(a.AcceptanceRate),
		a.ComputedAt.UTC().Format(time.RFC3339),
	}
}

// Export handles GET /api/aggregates/export?format=csv|ndjson
func (h *DashboardHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "ndjson" && format != "csv" {
		respondError(w, http.StatusBadRequest, "invalid format (use ndjson or csv)")
		return
	}
	scope, from, to, ok := h.rangeParams(w, r)
	if !ok {
		return
	}

	weeks, err := h.aggregates.Weekly(ctx, scope, from, to)
	if err != nil {
		slog.Error("Export failed to fetch aggregates", "scope", scope, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename=ai-detective-weekly.csv")
		w.WriteHeader(http.StatusOK)

		cw := csv.NewWriter(w)
		cw.Write(exportHeader)
		for _, a := range weeks {
			cw.Write(exportRow(a))
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			slog.Error("Export failed to write CSV", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=ai-detective-weekly.ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, a := range weeks {
		if err := enc.Encode(a); err != nil {
			slog.Error("Export failed to write row", "error", err)
			return
		}
	}
}
