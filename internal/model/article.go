package model

import (
	"strings"
	"time"
)

// Severity is the shared urgency/risk tier used by both triage passes.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ParseSeverity normalizes free-form model output into a Severity.
// Unrecognized values map to low, matching the most conservative tier.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// FallbackRiskScore maps a coarse urgency tier to a 1-10 risk score.
// Used when deep enrichment gets nothing usable back from the model.
func (s Severity) FallbackRiskScore() int {
	switch s {
	case SeverityCritical:
		return 9
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 5
	default:
		return 3
	}
}

// Priority derives the stored priority tier from a risk level.
func (s Severity) Priority() int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 8
	default:
		return 5
	}
}

// Article is a scraped news item and the unit of work entering the funnel.
// The funnel reads scraped fields and writes only the analysis fields.
type Article struct {
	ID          int64      `json:"id"`
	Source      string     `json:"source"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	Content     string     `json:"content,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	// Analysis fields, populated by the funnel.
	AISummary   string     `json:"ai_summary,omitempty"`
	RiskLevel   Severity   `json:"risk_level,omitempty"`
	RiskScore   int        `json:"risk_score,omitempty"`
	RiskDetail  string     `json:"risk_detail,omitempty"`
	Priority    int        `json:"priority"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Body returns the richest text available for analysis.
func (a *Article) Body() string {
	if a.Content != "" {
		return a.Content
	}
	return a.Summary
}

// ScoreResult is the outcome of coarse scoring for one article.
// Immutable after creation; articles that fail coarse scoring get no result.
type ScoreResult struct {
	Article     *Article `json:"-"`
	Importance  int      `json:"importance_score"` // 0-100
	ThreatType  string   `json:"threat_type"`
	Urgency     Severity `json:"urgency"`
	Reasoning   string   `json:"reasoning,omitempty"`
	ViaFallback bool     `json:"via_fallback"`
}

// AnalysisResult is the outcome of deep enrichment for one selected article.
type AnalysisResult struct {
	ExecutiveSummary        string   `json:"executive_summary"`
	DetailedSummary         string   `json:"detailed_summary"`
	TechnicalDetails        string   `json:"technical_details,omitempty"`
	AffectedSystems         []string `json:"affected_systems,omitempty"`
	AffectedUsers           string   `json:"affected_users,omitempty"`
	BusinessImpact          string   `json:"business_impact,omitempty"`
	RiskLevel               Severity `json:"risk_level"`
	RiskScore               int      `json:"risk_score"` // 1-10
	RiskReasoning           string   `json:"risk_reasoning,omitempty"`
	ImmediateActions        []string `json:"immediate_actions,omitempty"`
	LongTermRecommendations []string `json:"long_term_recommendations,omitempty"`
	IndicatorsOfCompromise  []string `json:"indicators_of_compromise,omitempty"`
	ViaFallback             bool     `json:"via_fallback"`
}

// ArticleAnalysis is one row of the atomic batch write at the end of a run.
type ArticleAnalysis struct {
	ArticleID   int64     `json:"article_id"`
	AISummary   string    `json:"ai_summary"`
	RiskLevel   Severity  `json:"risk_level"`
	RiskScore   int       `json:"risk_score"`
	RiskDetail  string    `json:"risk_detail"`
	Priority    int       `json:"priority"`
	ProcessedAt time.Time `json:"processed_at"`
}

// StoreStats summarizes the article table for the stats endpoint.
type StoreStats struct {
	Total         int            `json:"total"`
	Processed     int            `json:"processed"`
	Unprocessed   int            `json:"unprocessed"`
	RiskBreakdown map[string]int `json:"risk_breakdown"`
	HighPriority  int            `json:"high_priority"` // priority >= 5
}
