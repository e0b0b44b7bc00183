// Command backfill runs one-shot historical jobs against the same database
// as the server: full syncs, reclassification, aggregate rebuilds and a
// Slack mapping check.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/skridlevsky/ai-detective/internal/aggregate"
	"github.com/skridlevsky/ai-detective/internal/apiclient"
	"github.com/skridlevsky/ai-detective/internal/classify"
	"github.com/skridlevsky/ai-detective/internal/config"
	"github.com/skridlevsky/ai-detective/internal/db"
	"github.com/skridlevsky/ai-detective/internal/survey"
	"github.com/skridlevsky/ai-detective/internal/usage"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// deps are the components every subcommand shares
type deps struct {
	cfg        *config.Config
	database   *db.Postgres
	budgets    *apiclient.BudgetRegistry
	items      *workitem.Service
	verdicts   *classify.PostgresStore
	classifier *classify.Engine
	surveys    *survey.PostgresRepository
	usage      *usage.PostgresStore
	aggregates *aggregate.Engine
}

var app *deps

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	red   = color.New(color.FgHiRed).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "backfill",
	Short: "One-shot historical jobs for the AI Detective pipeline",
	Long: `backfill runs historical sync, reclassification and aggregate rebuilds
against the configured database. Configuration comes from the environment
(and .env), exactly as for the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDeps(cmd.Context())
		if err != nil {
			return err
		}
		app = d
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.database.Close()
		}
	},
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openDeps connects to the database, migrates it and builds the shared
// components. Backfill classifies with patterns only and never opens
// surveys, so historical merges do not message anyone.
func openDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	database, err := db.NewPostgres(ctx, cfg.DatabaseURL, db.PoolSize{
		SyncWorkers: cfg.Sync.Concurrency,
		Sources:     1,
	})
	if err != nil {
		return nil, err
	}
	pool := database.Pool()
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}

	d := &deps{
		cfg:      cfg,
		database: database,
		budgets:  apiclient.NewBudgetRegistry(cfg.Budget.Limit, cfg.Budget.Window, cfg.Budget.QPS),
		items:    workitem.NewService(workitem.NewPostgresRepository(pool)),
		verdicts: classify.NewPostgresStore(pool),
		surveys:  survey.NewPostgresRepository(pool),
		usage:    usage.NewPostgresStore(pool),
	}
	d.classifier = classify.NewEngine(classify.Config{}, d.verdicts, d.items, nil)
	d.items.Subscribe(workitem.EventUpserted, d.classifier.OnUpserted)
	d.aggregates = aggregate.NewEngine(d.items, d.verdicts, d.surveys, d.usage, aggregate.NewPostgresStore(pool))
	return d, nil
}

// scopes returns the configured scopes, or just the one passed on the
// command line.
func (d *deps) scopes(only string) []string {
	if only != "" {
		return []string{only}
	}
	out := append([]string{}, d.cfg.GitHubRepos...)
	if d.cfg.JiraEnabled() {
		out = append(out, d.cfg.JiraProjects...)
	}
	return out
}

func newTable(cmd *cobra.Command, headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(cmd.OutOrStdout(),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
