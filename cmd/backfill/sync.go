package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/skridlevsky/ai-detective/internal/github"
	"github.com/skridlevsky/ai-detective/internal/jira"
	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/usage"
)

var (
	syncSource string
	syncScope  string
	syncReset  bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full or resumed sync for every configured scope",
	Long: `sync runs the orchestrator once per scope and waits for it to finish.
Scopes with a checkpoint resume from it; --reset clears checkpoints first so
the whole history is fetched again. Re-fetching is safe: upserts are idempotent.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncSource, "source", "all", "Source to sync: github, jira, copilot or all")
	syncCmd.Flags().StringVar(&syncScope, "scope", "", "Only sync this scope (owner/repo, Jira project or org)")
	syncCmd.Flags().BoolVar(&syncReset, "reset", false, "Clear checkpoints before syncing")
	rootCmd.AddCommand(syncCmd)
}

type syncJob struct {
	conn   orchestrator.Connector
	scopes []string
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := app.cfg

	ghBudget := app.budgets.For("github")
	var jobs []syncJob
	if syncSource == "all" || syncSource == "github" {
		client := github.NewClient(cfg.GitHubToken, cfg.GitHubAPIURL, ghBudget)
		jobs = append(jobs, syncJob{github.NewConnector(client, nil), cfg.GitHubRepos})
	}
	if (syncSource == "all" || syncSource == "jira") && cfg.JiraEnabled() {
		client := jira.NewClient(cfg.JiraBaseURL, cfg.JiraEmail, cfg.JiraToken, cfg.JiraSprintField, app.budgets.For("jira"))
		jobs = append(jobs, syncJob{jira.NewConnector(client, cfg.JiraBoardID), cfg.JiraProjects})
	}
	if (syncSource == "all" || syncSource == "copilot") && cfg.GitHubOrg != "" {
		client := usage.NewClient(cfg.GitHubToken, cfg.GitHubAPIURL, ghBudget)
		jobs = append(jobs, syncJob{usage.NewConnector(client, app.usage), []string{cfg.GitHubOrg}})
	}
	if len(jobs) == 0 {
		return fmt.Errorf("nothing to sync for source %q", syncSource)
	}

	orch := orchestrator.New(orchestrator.Config{
		Concurrency: cfg.Sync.Concurrency,
		BatchSize:   cfg.Sync.BatchSize,
		BatchDelay:  cfg.Sync.BatchDelay,
		RetryBase:   cfg.Sync.RetryBase,
		MaxRetries:  cfg.Sync.MaxRetries,
	}, orchestrator.NewPostgresStore(app.database.Pool()), app.items)

	table := newTable(cmd, []string{"Source", "Scope", "Mode", "Units", "Merged", "Failed", "Cursor", "Took", "Error"})
	var firstErr error
	for _, job := range jobs {
		scopes := job.scopes
		if syncScope != "" {
			scopes = []string{syncScope}
		}
		for _, scope := range scopes {
			if syncReset {
				if err := orch.Reset(ctx, job.conn.Source(), scope); err != nil {
					return err
				}
			}

			start := time.Now()
			res, err := orch.SyncScope(ctx, job.conn, scope)
			row := []string{job.conn.Source(), scope, "", "", "", "", "", time.Since(start).Round(time.Second).String(), ""}
			if res != nil {
				row[2] = "historical"
				if res.Incremental {
					row[2] = "incremental"
				}
				row[3], row[4], row[5], row[6] = strconv.Itoa(res.Units), green(strconv.Itoa(res.Merged)), strconv.Itoa(res.Failed), res.Cursor
			}
			if err != nil {
				slog.Error("Sync failed", "source", job.conn.Source(), "scope", scope, "error", err)
				row[8] = red(err.Error())
				if firstErr == nil {
					firstErr = err
				}
				if ctx.Err() != nil {
					table.Append(row)
					table.Render()
					return ctx.Err()
				}
			}
			table.Append(row)
		}
	}
	table.Render()
	return firstErr
}
