package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/skridlevsky/ai-detective/internal/aggregate"
	"github.com/skridlevsky/ai-detective/internal/apiclient"
	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/db"
	"github.com/skridlevsky/ai-detective/internal/orchestrator"
)

// PoolReporter reports database pool usage
type PoolReporter interface {
	Stats() db.PoolStats
}

// AdminHandler exposes sync status and the operator actions that rebuild
// derived data.
type AdminHandler struct {
	checkpoints orchestrator.Store
	tasks       TaskReporter
	budgets     *apiclient.BudgetRegistry
	database    PoolReporter
	classifier  *classify.Engine
	aggregates  *aggregate.Engine
}

// NewAdminHandler creates a new admin handler. tasks, budgets and database
// may be nil.
func NewAdminHandler(checkpoints orchestrator.Store, tasks TaskReporter, budgets *apiclient.BudgetRegistry,
	database PoolReporter, classifier *classify.Engine, aggregates *aggregate.Engine) *AdminHandler {
	return &AdminHandler{
		checkpoints: checkpoints,
		tasks:       tasks,
		budgets:     budgets,
		database:    database,
		classifier:  classifier,
		aggregates:  aggregates,
	}
}

// SyncStatusResponse is the body of GET /api/sync/status
type SyncStatusResponse struct {
	Checkpoints    []orchestrator.Checkpoint        `json:"checkpoints"`
	RecentFailures []orchestrator.Failure           `json:"recentFailures"`
	Tasks          []orchestrator.TaskStatus        `json:"tasks"`
	Budgets        map[string]apiclient.BudgetStats `json:"budgets"`
	PatternVersion int                              `json:"patternVersion"`
	Database       *db.PoolStats                    `json:"database,omitempty"`
}

// SyncStatus handles GET /api/sync/status
func (h *AdminHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checkpoints, err := h.checkpoints.Checkpoints(ctx)
	if err != nil {
		slog.Error("Failed to fetch checkpoints", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	failures, err := h.checkpoints.RecentFailures(ctx, queryLimit(r, 20, 200))
	if err != nil {
		slog.Error("Failed to fetch sync failures", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := SyncStatusResponse{
		Checkpoints:    checkpoints,
		RecentFailures: failures,
		Tasks:          []orchestrator.TaskStatus{},
		Budgets:        map[string]apiclient.BudgetStats{},
		PatternVersion: h.classifier.Patterns().Version,
	}
	if h.tasks != nil {
		resp.Tasks = h.tasks.Status()
	}
	if h.budgets != nil {
		resp.Budgets = h.budgets.Snapshot()
	}
	if h.database != nil {
		st := h.database.Stats()
		resp.Database = &st
	}
	respondJSON(w, http.StatusOK, resp)
}

// Reprocess handles POST /api/admin/reprocess?scope=
func (h *AdminHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		respondError(w, http.StatusBadRequest, "scope is required")
		return
	}

	n, err := h.classifier.Reprocess(r.Context(), scope, nil)
	if err != nil {
		slog.Error("Reprocess failed", "scope", scope, "error", err)
		respondError(w, http.StatusInternalServerError, "reprocess failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"newVersions":    n,
		"patternVersion": h.classifier.Patterns().Version,
	})
}

// Rebuild handles POST /api/admin/rebuild?scope=&from=&to=
func (h *AdminHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		respondError(w, http.StatusBadRequest, "scope is required")
		return
	}
	now := time.Now().UTC()
	from, ok := queryTime(r, "from", now.Add(-defaultWindow))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, ok := queryTime(r, "to", now)
	if !ok || !from.Before(to) {
		respondError(w, http.StatusBadRequest, "invalid to")
		return
	}

	n, err := h.aggregates.RebuildRange(r.Context(), scope, from, to)
	if err != nil {
		slog.Error("Rebuild failed", "scope", scope, "error", err)
		respondError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"weeks": n})
}
