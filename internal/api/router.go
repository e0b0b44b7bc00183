package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds configuration for the router. Nil handlers leave their
// routes unmounted.
type RouterConfig struct {
	Database HealthChecker
	Tasks    TaskReporter

	Dashboard *DashboardHandler
	Admin     *AdminHandler
	// AdminToken guards the admin routes; without it they are not mounted
	AdminToken string

	GitHubWebhook     http.Handler
	SlackInteractions http.Handler
	Metrics           http.Handler

	CORSOrigins []string
}

// RouterResult holds the router and resources that need cleanup
type RouterResult struct {
	Router       *chi.Mux
	RateLimiters *RateLimiters
}

// NewRouter creates and configures the HTTP router.
// Caller must call result.RateLimiters.Stop() on shutdown.
func NewRouter(cfg *RouterConfig) *RouterResult {
	r := chi.NewRouter()

	rateLimiters := NewRateLimiters()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	// Inbound integrations authenticate with signatures and skip CORS. Their
	// limit is keyed per route since deliveries come from few addresses.
	r.Group(func(r chi.Router) {
		r.Use(rateLimiters.Inbound.Middleware)
		if cfg.GitHubWebhook != nil {
			r.Post("/webhooks/github", cfg.GitHubWebhook.ServeHTTP)
		}
		if cfg.SlackInteractions != nil {
			r.Post("/slack/interactions", cfg.SlackInteractions.ServeHTTP)
		}
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(CORSMiddleware(cfg.CORSOrigins))
		r.Use(rateLimiters.Dashboard.Middleware)

		if cfg.Database != nil {
			r.Get("/api/health", NewHealthHandler(cfg.Database, cfg.Tasks))
		} else {
			r.Get("/api/health", HealthHandler)
		}

		if d := cfg.Dashboard; d != nil {
			r.Get("/api/aggregates", d.Aggregates)
			r.With(rateLimiters.HeavyGuard).Get("/api/aggregates/export", d.Export)
			r.Get("/api/leaderboard", d.Leaderboard)
			r.Get("/api/items", d.Items)
			r.Get("/api/verdicts", d.Verdicts)
			r.Get("/api/surveys", d.Surveys)
			r.Get("/api/surveys/{id}", d.GetSurvey)
		}

		if a := cfg.Admin; a != nil && cfg.AdminToken != "" {
			r.Group(func(r chi.Router) {
				r.Use(AdminAuthMiddleware(cfg.AdminToken))
				r.Get("/api/sync/status", a.SyncStatus)
				r.With(rateLimiters.HeavyGuard).Post("/api/admin/reprocess", a.Reprocess)
				r.With(rateLimiters.HeavyGuard).Post("/api/admin/rebuild", a.Rebuild)
			})
		}
	})

	return &RouterResult{
		Router:       r,
		RateLimiters: rateLimiters,
	}
}
