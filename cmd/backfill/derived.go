package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	derivedScope string
	rebuildWeeks int
)

var reclassifyCmd = &cobra.Command{
	Use:   "reclassify",
	Short: "Re-run the pattern pass over stored items",
	Long: `reclassify appends a new verdict version for every item whose content or
pattern table changed since its current verdict. Existing versions are never
modified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		total := 0
		for _, scope := range app.scopes(derivedScope) {
			n, err := app.classifier.Reprocess(ctx, scope, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d new verdict versions\n", scope, n)
			total += n
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pattern version %d, %d new versions in total\n",
			app.classifier.Patterns().Version, total)
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recompute weekly aggregates",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if rebuildWeeks <= 0 {
			return fmt.Errorf("--weeks must be positive")
		}
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -7*rebuildWeeks)

		scopes := app.scopes(derivedScope)
		if derivedScope == "" && app.cfg.GitHubOrg != "" {
			scopes = append(scopes, app.cfg.GitHubOrg)
		}
		for _, scope := range scopes {
			n, err := app.aggregates.RebuildRange(ctx, scope, from, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: rebuilt %d weeks\n", scope, n)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{reclassifyCmd, rebuildCmd} {
		c.Flags().StringVar(&derivedScope, "scope", "", "Only process this scope")
		rootCmd.AddCommand(c)
	}
	rebuildCmd.Flags().IntVar(&rebuildWeeks, "weeks", 12, "Number of weeks back to rebuild")
}
