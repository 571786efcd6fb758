package store

import (
	"context"
	"time"

	"github.com/cyberbrief/triage-cli/internal/model"
)

// ProcessedFilter specifies criteria for listing analyzed articles.
// Search matches title, summary, or analysis summary, case-insensitively,
// inside the query so pagination applies after the match.
type ProcessedFilter struct {
	RiskLevel   model.Severity `json:"risk_level,omitempty"`
	MinPriority int            `json:"min_priority,omitempty"`
	Search      string         `json:"search,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	Offset      int            `json:"offset,omitempty"`
}

// Store defines the persistence interface for the triage pipeline.
type Store interface {
	// Ingest
	InsertArticles(ctx context.Context, articles []model.Article) (int, error)

	// Reads
	ListRecent(ctx context.Context, since time.Time, limit int) ([]model.Article, error)
	GetArticle(ctx context.Context, id int64) (*model.Article, error)
	ListProcessed(ctx context.Context, filter ProcessedFilter) ([]model.Article, error)
	Stats(ctx context.Context) (*model.StoreStats, error)

	// Analysis writes
	ApplyAnalyses(ctx context.Context, analyses []model.ArticleAnalysis) (int, error)
	MarkUnprocessed(ctx context.Context, id int64) error

	// Retention
	DeleteOlderThan(ctx context.Context, cutoff time.Time, keepHighRisk bool) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// highRiskFloor is the risk score at or above which DeleteOlderThan retains
// articles when keepHighRisk is set.
const highRiskFloor = 7
