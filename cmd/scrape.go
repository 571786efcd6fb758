package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyberbrief/triage-cli/internal/scraper"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape configured news sources and store new articles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("scrape"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		s, sources := initScraper()
		articles, err := s.Scrape(ctx, sources)
		if err != nil {
			return eris.Wrap(err, "scrape")
		}

		inserted, err := st.InsertArticles(ctx, articles)
		if err != nil {
			return eris.Wrap(err, "scrape: persist")
		}

		highPriority := 0
		for _, a := range articles {
			if scraper.HighPriority(a.Title, a.Summary) {
				highPriority++
			}
		}

		zap.L().Info("scrape complete",
			zap.Int("scraped", len(articles)),
			zap.Int("new", inserted),
			zap.Int("high_priority", highPriority),
		)
		fmt.Printf("Scraped %d articles across %d sources, %d new (%d high priority)\n",
			len(articles), len(sources), inserted, highPriority)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scrapeCmd)
}
