package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cyberbrief/triage-cli/internal/llm"
	"github.com/cyberbrief/triage-cli/internal/scraper"
	"github.com/cyberbrief/triage-cli/internal/store"
	"github.com/cyberbrief/triage-cli/pkg/ollama"
)

// initStore opens the configured backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "cyberbrief.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		})
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initGateway builds the inference gateway from config. A blank base URL
// disables inference entirely; the funnel then runs on keyword scoring.
func initGateway() *llm.Gateway {
	if cfg.Ollama.BaseURL == "" {
		return nil
	}
	client := ollama.NewClient(
		ollama.WithBaseURL(cfg.Ollama.BaseURL),
		ollama.WithModel(cfg.Ollama.Model),
	)
	return llm.NewGateway(client, cfg.Ollama.Model)
}

// initScraper builds the scraper and its source list from config.
func initScraper() (*scraper.Scraper, []scraper.Source) {
	sc := scraper.Config{
		UserAgent:      cfg.Scrape.UserAgent,
		RequestTimeout: time.Duration(cfg.Scrape.RequestTimeoutSecs) * time.Second,
		PerHostDelay:   time.Duration(cfg.Scrape.PerHostDelaySecs) * time.Second,
		Concurrency:    cfg.Scrape.Concurrency,
		MaxPerSource:   cfg.Scrape.MaxPerSource,
	}

	var sources []scraper.Source
	for _, s := range cfg.Scrape.Sources {
		sources = append(sources, scraper.Source{Name: s.Name, URL: s.URL})
	}
	if len(sources) == 0 {
		sources = scraper.DefaultSources()
	}

	return scraper.New(sc, &http.Client{Timeout: sc.RequestTimeout}), sources
}
