package funnel

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberbrief/triage-cli/internal/llm"
	"github.com/cyberbrief/triage-cli/internal/model"
	"github.com/cyberbrief/triage-cli/internal/store"
	"github.com/cyberbrief/triage-cli/pkg/ollama"
)

type scriptedClient struct {
	fn func(req ollama.ChatRequest) (*ollama.ChatResponse, error)
}

func (c *scriptedClient) Chat(_ context.Context, req ollama.ChatRequest) (*ollama.ChatResponse, error) {
	return c.fn(req)
}

func reply(content string) (*ollama.ChatResponse, error) {
	return &ollama.ChatResponse{
		Message: ollama.Message{Role: "assistant", Content: content},
		Done:    true,
	}, nil
}

func isDeepCall(req ollama.ChatRequest) bool {
	return strings.Contains(req.Messages[0].Content, "threat intelligence")
}

func newFunnelStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "funnel.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedSecurityArticles inserts n on-topic articles, most recent first in
// gather order.
func seedSecurityArticles(t *testing.T, s *store.SQLiteStore, n int) {
	t.Helper()
	now := time.Now().UTC()
	articles := make([]model.Article, n)
	for i := 0; i < n; i++ {
		published := now.Add(-time.Duration(i) * time.Minute)
		articles[i] = model.Article{
			Source:      "feed",
			URL:         fmt.Sprintf("https://example.com/item-%d", i),
			Title:       fmt.Sprintf("Ransomware attack hits target %d", i),
			Summary:     "Attackers encrypted systems after a phishing breach.",
			CreatedAt:   published,
			PublishedAt: &published,
		}
	}
	inserted, err := s.InsertArticles(context.Background(), articles)
	require.NoError(t, err)
	require.Equal(t, n, inserted)
}

func quickPreset() Preset {
	p := Comprehensive()
	p.CoarseConcurrency = 8
	p.CoarseTimeout = 2 * time.Second
	p.DeepConcurrency = 4
	p.DeepTimeout = 2 * time.Second
	return p
}

func TestRun_AllBackendFailuresStillPersistTopK(t *testing.T) {
	t.Parallel()

	s := newFunnelStore(t)
	seedSecurityArticles(t, s, 50)

	client := &scriptedClient{fn: func(req ollama.ChatRequest) (*ollama.ChatResponse, error) {
		return nil, eris.New("backend down")
	}}
	f := New(s, llm.NewGateway(client, ""), quickPreset())

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	r := res.Report
	assert.Equal(t, 50, r.Gathered)
	assert.Equal(t, 30, r.Filtered) // 3x over-provisioning with K=10
	assert.Equal(t, 30, r.CoarseScored)
	assert.Equal(t, 30, r.CoarseViaFallback)
	assert.Equal(t, 10, r.Selected)
	assert.Equal(t, 10, r.Enriched)
	assert.Equal(t, 10, r.EnrichViaFallback)
	assert.Equal(t, 10, r.Persisted)
	assert.NotEmpty(t, r.RunID)

	// Every persisted item carries a risk tier and a 1-10 score from the
	// coarse urgency mapping.
	processed, err := s.ListProcessed(context.Background(), store.ProcessedFilter{Limit: 50})
	require.NoError(t, err)
	require.Len(t, processed, 10)
	for _, a := range processed {
		assert.NotEmpty(t, a.RiskLevel)
		assert.GreaterOrEqual(t, a.RiskScore, 1)
		assert.LessOrEqual(t, a.RiskScore, 10)
		assert.True(t, a.Processed)
	}
}

func TestRun_EmptyGatherShortCircuits(t *testing.T) {
	t.Parallel()

	s := newFunnelStore(t)
	calls := 0
	client := &scriptedClient{fn: func(req ollama.ChatRequest) (*ollama.ChatResponse, error) {
		calls++
		return reply("{}")
	}}
	f := New(s, llm.NewGateway(client, ""), quickPreset())

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no items found", res.Reason)
	assert.Zero(t, res.Report.Gathered)
	assert.Zero(t, calls, "no later stage may run")
}

func TestRun_StructuredResponsesAreClamped(t *testing.T) {
	t.Parallel()

	s := newFunnelStore(t)
	seedSecurityArticles(t, s, 3)

	client := &scriptedClient{fn: func(req ollama.ChatRequest) (*ollama.ChatResponse, error) {
		if isDeepCall(req) {
			// risk_score out of range: must be clamped to 10.
			return reply(`{
				"executive_summary": "Major ransomware campaign.",
				"detailed_summary": "Details of the campaign.",
				"technical_details": "Exploits CVE-2026-0001.",
				"affected_systems": ["erp", "mail"],
				"risk_assessment": {"risk_level": "critical", "risk_score": 20},
				"immediate_actions": ["patch now"]
			}`)
		}
		// importance out of range: must be clamped to 100.
		return reply(`{"importance_score": 150, "threat_type": "Ransomware", "urgency": "critical", "reasoning": "active campaign"}`)
	}}
	p := quickPreset()
	p.TopK = 2
	f := New(s, llm.NewGateway(client, ""), p)

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Report.Selected)
	assert.Zero(t, res.Report.CoarseViaFallback)
	assert.Zero(t, res.Report.EnrichViaFallback)
	assert.Equal(t, map[string]int{"ransomware": 2}, res.Report.Patterns)
	assert.Equal(t, "Ransomware (2)", res.Report.Synthesis)

	processed, err := s.ListProcessed(context.Background(), store.ProcessedFilter{})
	require.NoError(t, err)
	require.Len(t, processed, 2)
	for _, a := range processed {
		assert.Equal(t, model.SeverityCritical, a.RiskLevel)
		assert.Equal(t, 10, a.RiskScore)
		assert.Equal(t, 10, a.Priority)
		assert.Contains(t, a.AISummary, "Major ransomware campaign.")
		assert.Contains(t, a.AISummary, "Technical details: Exploits CVE-2026-0001.")
		assert.Contains(t, a.RiskDetail, `"erp"`)
	}
}

func TestRun_MalformedCoarseFallsBack(t *testing.T) {
	t.Parallel()

	s := newFunnelStore(t)
	seedSecurityArticles(t, s, 2)

	client := &scriptedClient{fn: func(req ollama.ChatRequest) (*ollama.ChatResponse, error) {
		return reply("sorry, I cannot respond in JSON")
	}}
	p := quickPreset()
	p.TopK = 2
	f := New(s, llm.NewGateway(client, ""), p)

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Report.CoarseViaFallback)
	assert.Equal(t, 2, res.Report.EnrichViaFallback)
	assert.Equal(t, 2, res.Report.Persisted)
}

func TestRun_TieBreakPrefersRecency(t *testing.T) {
	t.Parallel()

	s := newFunnelStore(t)
	now := time.Now().UTC()
	// Identical text, so identical heuristic scores: ties everywhere.
	articles := make([]model.Article, 5)
	for i := 0; i < 5; i++ {
		published := now.Add(-time.Duration(i) * time.Hour)
		articles[i] = model.Article{
			Source:      "feed",
			URL:         fmt.Sprintf("https://example.com/tie-%d", i),
			Title:       fmt.Sprintf("Data breach disclosed %d", i),
			Summary:     "A breach was disclosed.",
			CreatedAt:   published,
			PublishedAt: &published,
		}
	}
	_, err := s.InsertArticles(context.Background(), articles)
	require.NoError(t, err)

	p := quickPreset()
	p.TopK = 3
	f := New(s, nil, p) // keyword scorer only

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Report.Persisted)

	// With equal scores, the three most recent items win, and the listing
	// keeps them in recency order since priority and risk also tie.
	processed, err := s.ListProcessed(context.Background(), store.ProcessedFilter{})
	require.NoError(t, err)
	titles := make([]string, 0, len(processed))
	for _, a := range processed {
		titles = append(titles, a.Title)
	}
	assert.Equal(t, []string{
		"Data breach disclosed 0",
		"Data breach disclosed 1",
		"Data breach disclosed 2",
	}, titles)
}

func TestRun_HeuristicGateSkipsUnambiguous(t *testing.T) {
	t.Parallel()

	s := newFunnelStore(t)
	now := time.Now().UTC()
	_, err := s.InsertArticles(context.Background(), []model.Article{
		{
			Source: "feed", URL: "https://example.com/clear",
			// Scores >= 85 with multiple critical keywords: gate skips it.
			Title:     "Zero-day under active exploitation, ransomware attack follows",
			Summary:   "Mass exploitation with remote code execution.",
			CreatedAt: now, PublishedAt: &now,
		},
		{
			Source: "feed", URL: "https://example.com/ambiguous",
			// Medium tier (55-60): ambiguous, goes to the backend.
			Title:     "Vendor ships security update advisory",
			CreatedAt: now, PublishedAt: &now,
		},
	})
	require.NoError(t, err)

	var coarseCalls int
	client := &scriptedClient{fn: func(req ollama.ChatRequest) (*ollama.ChatResponse, error) {
		if !isDeepCall(req) {
			coarseCalls++
		}
		if isDeepCall(req) {
			return reply(`{"executive_summary":"s","detailed_summary":"d","risk_assessment":{"risk_level":"medium","risk_score":5}}`)
		}
		return reply(`{"importance_score": 58, "threat_type": "advisory", "urgency": "medium", "reasoning": "routine"}`)
	}}

	p := quickPreset()
	p.TopK = 2
	p.HeuristicGate = true
	f := New(s, llm.NewGateway(client, ""), p)

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, coarseCalls, "only the ambiguous item should reach the backend")
	assert.Equal(t, 1, res.Report.CoarseViaFallback)
}

func TestRun_PersistenceFailureSurfaces(t *testing.T) {
	t.Parallel()

	s := newFunnelStore(t)
	seedSecurityArticles(t, s, 2)
	failing := &failingStore{SQLiteStore: s}

	p := quickPreset()
	p.TopK = 2
	f := New(failing, nil, p)

	_, err := f.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unavailable")
}

type failingStore struct {
	*store.SQLiteStore
}

func (f *failingStore) ApplyAnalyses(ctx context.Context, analyses []model.ArticleAnalysis) (int, error) {
	return 0, eris.New("sink unavailable")
}

func TestCheapFilter(t *testing.T) {
	t.Parallel()

	articles := []model.Article{
		{Title: "Zero-day actively exploited in firewall"},     // critical tier
		{Title: "Quarterly results announced"},                 // off-topic
		{Title: "Ransomware hits logistics firm"},              // high tier
		{Title: "Opinion: security research trends", Summary: "research analysis"}, // low tier
	}

	kept := cheapFilter(articles, 2)
	require.Len(t, kept, 2)
	// Top two by keyword score, in original order.
	assert.Equal(t, "Zero-day actively exploited in firewall", kept[0].Title)
	assert.Equal(t, "Ransomware hits logistics firm", kept[1].Title)

	// Under the limit nothing is pruned.
	kept = cheapFilter(articles, 10)
	assert.Len(t, kept, 4)
}
