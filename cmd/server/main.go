package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skridlevsky/ai-detective/internal/aggregate"
	"github.com/skridlevsky/ai-detective/internal/api"
	"github.com/skridlevsky/ai-detective/internal/apiclient"
	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/config"
	"github.com/skridlevsky/ai-detective/internal/db"
	"github.com/skridlevsky/ai-detective/internal/github"
	"github.com/skridlevsky/ai-detective/internal/jira"
	"github.com/skridlevsky/ai-detective/internal/metrics"
	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/slack"
	"github.com/skridlevsky/ai-detective/internal/survey"
	"github.com/skridlevsky/ai-detective/internal/usage"
	"github.com/skridlevsky/ai-detective/internal/webhook"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// logMessenger stands in for Slack when no bot token is configured.
type logMessenger struct{}

func (logMessenger) Send(_ context.Context, msg survey.Message) error {
	slog.Info("Survey message (Slack disabled)",
		"kind", msg.Kind, "survey", msg.SurveyID, "recipients", msg.Recipients)
	return nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources := 1
	if cfg.GitHubOrg != "" {
		sources++
	}
	if cfg.JiraEnabled() {
		sources++
	}
	database, err := db.NewPostgres(ctx, cfg.DatabaseURL, db.PoolSize{
		SyncWorkers:       cfg.Sync.Concurrency,
		Sources:           sources,
		ClassifierWorkers: cfg.Workers.ClassifierWorkers,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// NOTE: database.Close() is called explicitly in the shutdown sequence below
	pool := database.Pool()

	if err := database.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// One budget per credential, shared by every client using it
	budgets := apiclient.NewBudgetRegistry(cfg.Budget.Limit, cfg.Budget.Window, cfg.Budget.QPS)
	githubBudget := budgets.For("github")

	// Entity store and its subscribers
	items := workitem.NewService(workitem.NewPostgresRepository(pool))

	verdicts := classify.NewPostgresStore(pool)
	var model classify.Model
	if cfg.AnthropicAPIKey != "" {
		model = classify.NewAnthropicModel(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, verdicts are pattern-only")
	}
	classifier := classify.NewEngine(classify.Config{
		Workers:   cfg.Workers.ClassifierWorkers,
		Retries:   cfg.Workers.ClassifierRetries,
		RetryBase: cfg.Sync.RetryBase,
	}, verdicts, items, model)

	users := slack.NewUserMap(cfg.SlackUserMap)
	var messenger survey.Messenger = logMessenger{}
	if cfg.SlackEnabled() {
		messenger = slack.NewClient(cfg.SlackBotToken, "", users, budgets.For("slack"))
	} else {
		slog.Warn("SLACK_BOT_TOKEN not set, survey messages are only logged")
	}
	surveys := survey.NewService(survey.NewPostgresRepository(pool), verdicts, items, messenger, cfg.Survey.Expiry)

	items.Subscribe(workitem.EventUpserted, classifier.OnUpserted)
	items.Subscribe(workitem.EventMerged, surveys.OnMerged)
	items.Subscribe(workitem.EventUpserted, surveys.OnUpserted)
	classifier.Start(ctx)

	// Sync
	checkpoints := orchestrator.NewPostgresStore(pool)
	orch := orchestrator.New(orchestrator.Config{
		Concurrency: cfg.Sync.Concurrency,
		BatchSize:   cfg.Sync.BatchSize,
		BatchDelay:  cfg.Sync.BatchDelay,
		RetryBase:   cfg.Sync.RetryBase,
		MaxRetries:  cfg.Sync.MaxRetries,
	}, checkpoints, items)

	pullCache := github.NewPullCache(10 * time.Minute)
	githubClient := github.NewClient(cfg.GitHubToken, cfg.GitHubAPIURL, githubBudget)

	tasks := []orchestrator.Task{
		orch.SyncTask(github.NewConnector(githubClient, pullCache), cfg.GitHubRepos, cfg.Sync.Interval),
		{
			Name:     "github:cache-cleanup",
			Interval: 5 * time.Minute,
			Run: func(context.Context) error {
				if n := pullCache.CleanExpired(); n > 0 {
					slog.Debug("Cleaned pull cache", "removed", n, "remaining", pullCache.Count())
				}
				return nil
			},
		},
		surveys.SweepTask(cfg.Survey.SweepInterval),
	}

	scopes := append([]string{}, cfg.GitHubRepos...)

	usageStore := usage.NewPostgresStore(pool)
	if cfg.GitHubOrg != "" {
		usageConn := usage.NewConnector(usage.NewClient(cfg.GitHubToken, cfg.GitHubAPIURL, githubBudget), usageStore)
		tasks = append(tasks, orch.SyncTask(usageConn, []string{cfg.GitHubOrg}, cfg.Sync.UsageInterval))
		scopes = append(scopes, cfg.GitHubOrg)
	}

	if cfg.JiraEnabled() {
		jiraClient := jira.NewClient(cfg.JiraBaseURL, cfg.JiraEmail, cfg.JiraToken, cfg.JiraSprintField, budgets.For("jira"))
		tasks = append(tasks, orch.SyncTask(jira.NewConnector(jiraClient, cfg.JiraBoardID), cfg.JiraProjects, cfg.Sync.Interval))
		scopes = append(scopes, cfg.JiraProjects...)
	}

	// The org scope would list its repos a second time.
	itemScopes := append([]string{}, cfg.GitHubRepos...)
	if cfg.JiraEnabled() {
		itemScopes = append(itemScopes, cfg.JiraProjects...)
	}
	if model != nil {
		tasks = append(tasks, classifier.RetryTask(itemScopes, cfg.Workers.ClassifierRetryInterval))
	}

	aggregates := aggregate.NewEngine(items, verdicts, surveys.Repository(), usageStore, aggregate.NewPostgresStore(pool))
	tasks = append(tasks, aggregates.Task(scopes, cfg.Workers.AggregateInterval))

	// Webhook dedup: Redis when configured, otherwise the database
	var deliveries webhook.DeliveryStore
	if cfg.RedisURL != "" {
		redisStore, err := webhook.NewRedisDeliveryStore(ctx, cfg.RedisURL, cfg.WebhookDeliveryTTL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		deliveries = redisStore
	} else {
		pgStore := webhook.NewPostgresDeliveryStore(pool)
		deliveries = pgStore
		tasks = append(tasks, orchestrator.Task{
			Name:     "webhook:purge",
			Interval: 6 * time.Hour,
			Run: func(ctx context.Context) error {
				n, err := pgStore.PurgeBefore(ctx, time.Now().Add(-cfg.WebhookDeliveryTTL))
				if err == nil && n > 0 {
					slog.Info("Purged webhook deliveries", "count", n)
				}
				return err
			},
		})
	}

	scheduler := orchestrator.NewScheduler(tasks...)
	scheduler.Run(ctx)

	routerCfg := &api.RouterConfig{
		Database:    database,
		Tasks:       scheduler,
		Dashboard:   api.NewDashboardHandler(aggregates, items, verdicts, surveys.Repository()),
		Admin:       api.NewAdminHandler(checkpoints, scheduler, budgets, database, classifier, aggregates),
		AdminToken:  cfg.AdminToken,
		Metrics:     metrics.Handler(),
		CORSOrigins: cfg.CORSOrigins,
	}
	if cfg.GitHubWebhookSecret != "" {
		routerCfg.GitHubWebhook = webhook.NewIngestor(cfg.GitHubWebhookSecret, deliveries, items)
	} else {
		slog.Warn("GITHUB_WEBHOOK_SECRET not set, webhook endpoint disabled")
	}
	var interactions *slack.InteractionHandler
	if cfg.SlackSigningSecret != "" {
		interactions = slack.NewInteractionHandler(cfg.SlackSigningSecret, users, surveys)
		routerCfg.SlackInteractions = interactions
	}
	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin endpoints disabled")
	}

	routerResult := api.NewRouter(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      routerResult.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second, // Must exceed the export handler's 30s timeout
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting server", "port", cfg.Port, "env", cfg.Env,
			"repos", len(cfg.GitHubRepos), "jira", cfg.JiraEnabled(), "slack", cfg.SlackEnabled())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting requests first so no new work is enqueued
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if interactions != nil {
		interactions.Wait()
	}

	scheduler.Stop()
	routerResult.RateLimiters.Stop()

	cancel()
	classifier.Wait()

	database.Close()
	slog.Info("Server exited")
}
