package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberbrief/triage-cli/internal/config"
)

func TestRootHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"scrape", "triage", "serve", "stats", "clean"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestResolvePreset(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{}
	cfg.Triage.Preset = "fast"

	// Config preset applies when no flag is given.
	p, err := resolvePreset("", "")
	require.NoError(t, err)
	assert.Equal(t, "fast", p.Name)

	// Flag beats config.
	p, err = resolvePreset("ultrafast", "")
	require.NoError(t, err)
	assert.Equal(t, "ultrafast", p.Name)

	_, err = resolvePreset("bogus", "")
	assert.Error(t, err)
}

func TestInitStoreSQLite(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = filepath.Join(t.TempDir(), "cli.db")

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close()

	// Migrations ran: the articles table answers queries.
	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestInitStoreUnknownDriver(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{}
	cfg.Store.Driver = "oracle"

	_, err := initStore(context.Background())
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestInitScraperFromConfig(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{}
	cfg.Scrape.RequestTimeoutSecs = 5
	cfg.Scrape.Sources = []config.SourceConfig{{Name: "Feed", URL: "https://news.example.com/"}}

	s, sources := initScraper()
	require.NotNil(t, s)
	require.Len(t, sources, 1)
	assert.Equal(t, "Feed", sources[0].Name)

	// No configured sources falls back to the defaults.
	cfg.Scrape.Sources = nil
	_, sources = initScraper()
	assert.NotEmpty(t, sources)
}
