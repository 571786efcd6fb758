package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old articles from the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("scrape"); err != nil {
			return err
		}

		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return eris.Errorf("clean: --days must be positive (got %d)", days)
		}
		keepHighRisk, _ := cmd.Flags().GetBool("keep-high-risk")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		deleted, err := st.DeleteOlderThan(ctx, cutoff, keepHighRisk)
		if err != nil {
			return err
		}

		zap.L().Info("clean complete",
			zap.Int("deleted", deleted),
			zap.Int("days", days),
			zap.Bool("keep_high_risk", keepHighRisk),
		)
		fmt.Printf("Deleted %d articles older than %d days\n", deleted, days)
		return nil
	},
}

func init() {
	cleanCmd.Flags().Int("days", 30, "delete articles older than this many days")
	cleanCmd.Flags().Bool("keep-high-risk", true, "retain old articles with high risk scores")
	rootCmd.AddCommand(cleanCmd)
}
