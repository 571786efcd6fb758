package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show article store statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("scrape"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Articles:      %d\n", stats.Total)
		fmt.Printf("Processed:     %d\n", stats.Processed)
		fmt.Printf("Unprocessed:   %d\n", stats.Unprocessed)
		fmt.Printf("High priority: %d\n", stats.HighPriority)

		if len(stats.RiskBreakdown) > 0 {
			fmt.Println("Risk levels:")
			levels := make([]string, 0, len(stats.RiskBreakdown))
			for level := range stats.RiskBreakdown {
				levels = append(levels, level)
			}
			sort.Strings(levels)
			for _, level := range levels {
				fmt.Printf("  %-10s %d\n", level, stats.RiskBreakdown[level])
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
