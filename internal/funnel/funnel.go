// Package funnel orchestrates the triage pipeline: gather, cheap-filter,
// coarse-score, select top-K, deep-enrich, persist. Stage fan-out goes
// through the executor; model calls go through the inference gateway with
// the keyword scorer as the always-available fallback.
package funnel

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cyberbrief/triage-cli/internal/executor"
	"github.com/cyberbrief/triage-cli/internal/heuristic"
	"github.com/cyberbrief/triage-cli/internal/llm"
	"github.com/cyberbrief/triage-cli/internal/model"
	"github.com/cyberbrief/triage-cli/internal/resilience"
	"github.com/cyberbrief/triage-cli/internal/store"
)

// storedFieldChars caps the analysis text persisted per article.
const storedFieldChars = 5000

// executorSlack is added to the executor's per-item timeout so the gateway's
// own deadline fires first and the item still gets its fallback result.
const executorSlack = 10 * time.Second

// Funnel runs the multi-stage triage pipeline.
type Funnel struct {
	store   store.Store
	gateway *llm.Gateway
	breaker *resilience.CircuitBreaker
	preset  Preset
	nowFunc func() time.Time
}

// New creates a funnel. gateway may be nil to run on the keyword scorer
// alone.
func New(st store.Store, gateway *llm.Gateway, preset Preset) *Funnel {
	return &Funnel{
		store:   st,
		gateway: gateway,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		preset:  preset,
		nowFunc: time.Now,
	}
}

type enriched struct {
	score    model.ScoreResult
	analysis model.AnalysisResult
}

// Run executes one funnel pass. Fatal conditions (nothing gathered, nothing
// scored) come back as a structured failure Result; store errors are
// returned as errors since they mean analyzed work was lost.
func (f *Funnel) Run(ctx context.Context) (*Result, error) {
	started := f.nowFunc()
	report := &RunReport{
		RunID:     uuid.New().String(),
		Preset:    f.preset.Name,
		StartedAt: started,
	}
	defer func() { report.Elapsed = f.nowFunc().Sub(started) }()

	log := zap.L().With(zap.String("run_id", report.RunID), zap.String("preset", f.preset.Name))

	// Gathering.
	since := started.Add(-f.preset.Window)
	articles, err := f.store.ListRecent(ctx, since, f.preset.GatherLimit)
	if err != nil {
		return nil, err
	}
	report.Gathered = len(articles)
	if len(articles) == 0 {
		log.Info("no items found in window")
		return &Result{Success: false, Reason: "no items found", Report: report}, nil
	}
	log.Info("gathered items", zap.Int("count", len(articles)))

	// Filtering: keep the top filterFactor*K by keyword score, preserving
	// recency order among survivors so later tie-breaks stay meaningful.
	working := articles
	if f.preset.FilterEnabled {
		working = cheapFilter(articles, filterFactor*f.preset.TopK)
	}
	report.Filtered = len(working)

	// Coarse scoring.
	items := make([]*model.Article, len(working))
	for i := range working {
		items[i] = &working[i]
	}
	coarseRes := executor.Map(ctx, executor.Config{
		Concurrency: f.preset.CoarseConcurrency,
		Timeout:     f.preset.CoarseTimeout + executorSlack,
		ChunkSize:   f.preset.ChunkSize,
		ChunkPause:  f.preset.ChunkPause,
	}, items, articleLabel, func(ctx context.Context, a *model.Article) (model.ScoreResult, error) {
		return f.coarseScore(ctx, a), nil
	})
	scored := coarseRes.Values
	report.CoarseScored = len(scored)
	for _, sr := range scored {
		if sr.ViaFallback {
			report.CoarseViaFallback++
		}
	}
	if len(scored) == 0 {
		log.Warn("no items survived coarse scoring")
		return &Result{Success: false, Reason: "no items survived scoring", Report: report}, nil
	}

	// Selecting: importance descending, recency order on ties.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Importance > scored[j].Importance
	})
	if len(scored) > f.preset.TopK {
		scored = scored[:f.preset.TopK]
	}
	report.Selected = len(scored)
	report.Patterns = map[string]int{}
	for _, sr := range scored {
		if sr.ThreatType != "" {
			report.Patterns[sr.ThreatType]++
		}
	}
	report.Synthesis = synthesize(report.Patterns)
	log.Info("selected items", zap.Int("count", len(scored)), zap.String("patterns", report.Synthesis))

	// Deep enrichment.
	deepRes := executor.Map(ctx, executor.Config{
		Concurrency: f.preset.DeepConcurrency,
		Timeout:     f.preset.DeepTimeout + executorSlack,
	}, scored, scoreLabel, func(ctx context.Context, sr model.ScoreResult) (enriched, error) {
		return f.deepEnrich(ctx, sr), nil
	})
	report.Enriched = len(deepRes.Values)
	for _, e := range deepRes.Values {
		if e.analysis.ViaFallback {
			report.EnrichViaFallback++
		}
	}

	// Persisting: one batch, idempotent on re-run.
	analyses := make([]model.ArticleAnalysis, 0, len(deepRes.Values))
	now := f.nowFunc().UTC()
	for _, e := range deepRes.Values {
		analyses = append(analyses, buildAnalysisRow(e, now))
	}
	persisted, err := f.store.ApplyAnalyses(ctx, analyses)
	if err != nil {
		return nil, err
	}
	report.Persisted = persisted
	log.Info("run complete",
		zap.Int("persisted", persisted),
		zap.Int("enrich_fallback", report.EnrichViaFallback),
	)

	return &Result{Success: true, Report: report}, nil
}

// cheapFilter scores every item with the keyword pre-filter and keeps the
// top limit by score. Survivors come back in their original recency order.
func cheapFilter(articles []model.Article, limit int) []model.Article {
	if len(articles) <= limit {
		// Still drop nothing: the filter only prunes when over-provisioned.
		return articles
	}

	type indexed struct {
		idx   int
		score int
	}
	ranked := make([]indexed, len(articles))
	for i := range articles {
		r := heuristic.PrefilterScore(articles[i].Title, articles[i].Body())
		ranked[i] = indexed{idx: i, score: r.Score}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	ranked = ranked[:limit]
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].idx < ranked[j].idx })

	kept := make([]model.Article, 0, limit)
	for _, r := range ranked {
		kept = append(kept, articles[r.idx])
	}
	return kept
}

// coarseScore produces an importance estimate for one article. It never
// fails: any unusable backend outcome degrades to the keyword score.
func (f *Funnel) coarseScore(ctx context.Context, a *model.Article) model.ScoreResult {
	h := heuristic.Score(a.Title, a.Body())

	if f.gateway == nil {
		return fallbackScore(a, h)
	}
	if f.preset.HeuristicGate && heuristic.Unambiguous(h.Score) {
		return fallbackScore(a, h)
	}
	if !f.breaker.Allow() {
		return fallbackScore(a, h)
	}

	out := f.gateway.Complete(ctx, llm.Request{
		System:    coarseSystemPrompt,
		User:      coarseUserPrompt(a),
		MaxTokens: f.preset.CoarseMaxTokens,
		Timeout:   f.preset.CoarseTimeout,
	})
	f.breaker.Record(out.Kind != llm.OutcomeFailed)
	if out.Kind != llm.OutcomeStructured {
		return fallbackScore(a, h)
	}

	importance, ok := llm.FieldInt(out.Fields, "importance_score")
	if !ok {
		return fallbackScore(a, h)
	}
	importance = clampInt(importance, 0, 100)

	threatType := llm.FieldString(out.Fields, "threat_type")
	if threatType == "" {
		threatType = h.Category
	}
	urgency := llm.FieldString(out.Fields, "urgency")

	return model.ScoreResult{
		Article:    a,
		Importance: importance,
		ThreatType: strings.ToLower(threatType),
		Urgency:    model.ParseSeverity(urgency),
		Reasoning:  llm.FieldString(out.Fields, "reasoning"),
	}
}

// deepEnrich produces the full analysis for one selected item. On any
// unusable backend outcome the coarse result is carried forward through the
// fixed urgency mapping, so every selected item gets a risk tier and score.
func (f *Funnel) deepEnrich(ctx context.Context, sr model.ScoreResult) enriched {
	if f.gateway == nil || !f.breaker.Allow() {
		return enriched{score: sr, analysis: fallbackAnalysis(sr)}
	}

	out := f.gateway.Complete(ctx, llm.Request{
		System:    deepSystemPrompt,
		User:      deepUserPrompt(sr),
		MaxTokens: f.preset.DeepMaxTokens,
		Timeout:   f.preset.DeepTimeout,
	})
	f.breaker.Record(out.Kind != llm.OutcomeFailed)
	if out.Kind != llm.OutcomeStructured {
		return enriched{score: sr, analysis: fallbackAnalysis(sr)}
	}

	an := model.AnalysisResult{
		ExecutiveSummary:        llm.FieldString(out.Fields, "executive_summary"),
		DetailedSummary:         llm.FieldString(out.Fields, "detailed_summary"),
		TechnicalDetails:        llm.FieldString(out.Fields, "technical_details"),
		AffectedSystems:         llm.FieldStrings(out.Fields, "affected_systems"),
		AffectedUsers:           llm.FieldString(out.Fields, "affected_users"),
		BusinessImpact:          llm.FieldString(out.Fields, "business_impact"),
		ImmediateActions:        llm.FieldStrings(out.Fields, "immediate_actions"),
		LongTermRecommendations: llm.FieldStrings(out.Fields, "long_term_recommendations"),
		IndicatorsOfCompromise:  llm.FieldStrings(out.Fields, "indicators_of_compromise"),
	}

	risk := llm.FieldMap(out.Fields, "risk_assessment")
	an.RiskLevel = model.ParseSeverity(llm.FieldString(risk, "risk_level"))
	if score, ok := llm.FieldInt(risk, "risk_score"); ok {
		an.RiskScore = clampInt(score, 1, 10)
	} else {
		// Model omitted the score: carry the coarse urgency forward.
		an.RiskLevel = sr.Urgency
		an.RiskScore = sr.Urgency.FallbackRiskScore()
	}
	if an.ExecutiveSummary == "" {
		an.ExecutiveSummary = sr.Article.Title
	}

	return enriched{score: sr, analysis: an}
}

func fallbackScore(a *model.Article, h heuristic.Result) model.ScoreResult {
	return model.ScoreResult{
		Article:     a,
		Importance:  h.Score,
		ThreatType:  h.Category,
		Urgency:     h.Urgency,
		Reasoning:   "keyword score, matched: " + strings.Join(h.Matched, ", "),
		ViaFallback: true,
	}
}

func fallbackAnalysis(sr model.ScoreResult) model.AnalysisResult {
	a := sr.Article
	detailed := a.Summary
	if detailed == "" {
		detailed = clip(a.Content, 500)
	}
	return model.AnalysisResult{
		ExecutiveSummary: a.Title,
		DetailedSummary:  detailed,
		RiskLevel:        sr.Urgency,
		RiskScore:        sr.Urgency.FallbackRiskScore(),
		RiskReasoning:    sr.Reasoning,
		ViaFallback:      true,
	}
}

// buildAnalysisRow flattens an enrichment into the persisted record shape.
func buildAnalysisRow(e enriched, now time.Time) model.ArticleAnalysis {
	an := e.analysis

	var summary strings.Builder
	summary.WriteString(an.ExecutiveSummary)
	if an.DetailedSummary != "" && an.DetailedSummary != an.ExecutiveSummary {
		summary.WriteString("\n\n")
		summary.WriteString(an.DetailedSummary)
	}
	if an.TechnicalDetails != "" {
		summary.WriteString("\n\nTechnical details: ")
		summary.WriteString(an.TechnicalDetails)
	}

	detail, _ := json.Marshal(struct {
		AffectedSystems         []string `json:"affected_systems,omitempty"`
		AffectedUsers           string   `json:"affected_users,omitempty"`
		BusinessImpact          string   `json:"business_impact,omitempty"`
		RiskReasoning           string   `json:"risk_reasoning,omitempty"`
		ImmediateActions        []string `json:"immediate_actions,omitempty"`
		LongTermRecommendations []string `json:"long_term_recommendations,omitempty"`
		IndicatorsOfCompromise  []string `json:"indicators_of_compromise,omitempty"`
		ViaFallback             bool     `json:"via_fallback,omitempty"`
	}{
		AffectedSystems:         an.AffectedSystems,
		AffectedUsers:           an.AffectedUsers,
		BusinessImpact:          an.BusinessImpact,
		RiskReasoning:           an.RiskReasoning,
		ImmediateActions:        an.ImmediateActions,
		LongTermRecommendations: an.LongTermRecommendations,
		IndicatorsOfCompromise:  an.IndicatorsOfCompromise,
		ViaFallback:             an.ViaFallback,
	})

	return model.ArticleAnalysis{
		ArticleID:   e.score.Article.ID,
		AISummary:   clip(summary.String(), storedFieldChars),
		RiskLevel:   an.RiskLevel,
		RiskScore:   an.RiskScore,
		RiskDetail:  clip(string(detail), storedFieldChars),
		Priority:    an.RiskLevel.Priority(),
		ProcessedAt: now,
	}
}

func articleLabel(a *model.Article) string {
	return clip(a.Title, 60)
}

func scoreLabel(sr model.ScoreResult) string {
	return clip(sr.Article.Title, 60)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
