package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skridlevsky/ai-detective/internal/github"
	"github.com/skridlevsky/ai-detective/internal/slack"
)

var checkUsersCmd = &cobra.Command{
	Use:   "check-users",
	Short: "List organization members with no Slack mapping",
	Long: `check-users compares GITHUB_ORG members against SLACK_USER_MAP. Survey
prompts to unmapped members are dropped, so every reviewer should appear here
with a Slack ID.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.cfg
		if cfg.GitHubOrg == "" {
			return fmt.Errorf("GITHUB_ORG is required")
		}

		client := github.NewClient(cfg.GitHubToken, cfg.GitHubAPIURL, app.budgets.For("github"))
		members, err := client.ListOrgMembers(cmd.Context(), cfg.GitHubOrg)
		if err != nil {
			return err
		}

		logins := make([]string, len(members))
		for i, m := range members {
			logins[i] = m.Login
		}
		users := slack.NewUserMap(cfg.SlackUserMap)
		missing := users.Missing(logins)

		table := newTable(cmd, []string{"Login", "Slack ID"})
		for _, login := range logins {
			id, ok := users.SlackID(login)
			if !ok {
				id = red("(missing)")
			}
			table.Append([]string{login, id})
		}
		table.Render()

		fmt.Fprintf(cmd.OutOrStdout(), "\n%d members, %d without a Slack mapping\n", len(logins), len(missing))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkUsersCmd)
}
