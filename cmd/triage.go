package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyberbrief/triage-cli/internal/funnel"
)

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Run the triage funnel over recently gathered articles",
	Long: `Runs the multi-stage triage funnel: gather recent articles, filter by
keyword score, coarse-score with the local model, select the top K,
deep-enrich the selection, and persist the batch.

Examples:
  # Default comprehensive preset
  cyberbrief triage

  # Faster run with a wider window
  cyberbrief triage --preset fast --hours 72

  # Scrape first, then triage the top 20
  cyberbrief triage --scrape --top-k 20`,
	RunE: runTriage,
}

func init() {
	f := triageCmd.Flags()
	f.String("preset", "", "named preset: comprehensive, fast, ultrafast (default from config)")
	f.String("preset-file", "", "YAML preset file (overrides --preset)")
	f.Int("hours", 0, "gather window in hours (overrides preset)")
	f.Int("limit", 0, "maximum articles to gather (overrides preset)")
	f.Int("top-k", 0, "articles to select for deep enrichment (overrides preset)")
	f.Bool("scrape", false, "scrape sources before triaging")

	rootCmd.AddCommand(triageCmd)
}

func runTriage(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("triage"); err != nil {
		return err
	}

	presetName, _ := cmd.Flags().GetString("preset")
	presetFile, _ := cmd.Flags().GetString("preset-file")
	preset, err := resolvePreset(presetName, presetFile)
	if err != nil {
		return err
	}

	if hours, _ := cmd.Flags().GetInt("hours"); hours > 0 {
		preset.Window = time.Duration(hours) * time.Hour
	}
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		preset.GatherLimit = limit
	}
	if topK, _ := cmd.Flags().GetInt("top-k"); topK > 0 {
		preset.TopK = topK
	}
	if err := preset.Validate(); err != nil {
		return err
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if doScrape, _ := cmd.Flags().GetBool("scrape"); doScrape {
		s, sources := initScraper()
		articles, err := s.Scrape(ctx, sources)
		if err != nil {
			return eris.Wrap(err, "triage: scrape")
		}
		inserted, err := st.InsertArticles(ctx, articles)
		if err != nil {
			return eris.Wrap(err, "triage: persist scrape")
		}
		fmt.Printf("Scraped %d articles, %d new\n", len(articles), inserted)
	}

	f := funnel.New(st, initGateway(), preset)
	res, err := f.Run(ctx)
	if err != nil {
		return err
	}

	printReport(res)
	return nil
}

// resolvePreset picks the run preset: explicit file beats named preset,
// flags beat config.
func resolvePreset(name, file string) (funnel.Preset, error) {
	if file == "" {
		file = cfg.Triage.PresetFile
	}
	if file != "" {
		return funnel.LoadPreset(file)
	}
	if name == "" {
		name = cfg.Triage.Preset
	}
	return funnel.PresetByName(name)
}

func printReport(res *funnel.Result) {
	r := res.Report
	if !res.Success {
		fmt.Printf("Run %s (%s) stopped: %s\n", r.RunID, r.Preset, res.Reason)
		return
	}

	fmt.Printf("Run %s (%s preset) finished in %s\n", r.RunID, r.Preset, r.Elapsed.Round(time.Millisecond))
	fmt.Printf("  Gathered:  %d\n", r.Gathered)
	fmt.Printf("  Filtered:  %d\n", r.Filtered)
	fmt.Printf("  Scored:    %d (%d via keyword fallback)\n", r.CoarseScored, r.CoarseViaFallback)
	fmt.Printf("  Selected:  %d\n", r.Selected)
	fmt.Printf("  Enriched:  %d (%d via fallback)\n", r.Enriched, r.EnrichViaFallback)
	fmt.Printf("  Persisted: %d\n", r.Persisted)
	if r.Synthesis != "" {
		fmt.Printf("  Patterns:  %s\n", r.Synthesis)
	}

	zap.L().Info("triage run complete",
		zap.String("run_id", r.RunID),
		zap.Int("persisted", r.Persisted),
		zap.Duration("elapsed", r.Elapsed),
	)
}
