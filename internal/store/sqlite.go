package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/cyberbrief/triage-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS articles (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL,
	url          TEXT NOT NULL UNIQUE,
	title        TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	published_at DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	ai_summary   TEXT NOT NULL DEFAULT '',
	risk_level   TEXT NOT NULL DEFAULT '',
	risk_score   INTEGER NOT NULL DEFAULT 0,
	risk_detail  TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL DEFAULT 0,
	processed    BOOLEAN NOT NULL DEFAULT 0,
	processed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_articles_processed ON articles(processed);
CREATE INDEX IF NOT EXISTS idx_articles_created_at ON articles(created_at);
CREATE INDEX IF NOT EXISTS idx_articles_risk_score ON articles(risk_score);
CREATE INDEX IF NOT EXISTS idx_articles_priority ON articles(priority);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertArticles(ctx context.Context, articles []model.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert")
	}
	defer tx.Rollback()

	inserted := 0
	for _, a := range articles {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO articles (source, url, title, summary, content, published_at, priority, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (url) DO NOTHING`,
			a.Source, a.URL, a.Title, a.Summary, a.Content, a.PublishedAt, a.Priority, createdAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert article %s", a.URL)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert")
	}
	return inserted, nil
}

const articleColumns = `id, source, url, title, summary, content, published_at, created_at,
	ai_summary, risk_level, risk_score, risk_detail, priority, processed, processed_at`

func (s *SQLiteStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles
		 WHERE processed = 0 AND created_at >= ?
		 ORDER BY COALESCE(published_at, created_at) DESC, id DESC
		 LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recent")
	}
	defer rows.Close()
	return collectArticles(rows)
}

func (s *SQLiteStore) GetArticle(ctx context.Context, id int64) (*model.Article, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("article not found: %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get article %d", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListProcessed(ctx context.Context, filter ProcessedFilter) ([]model.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE processed = 1`
	var args []any

	if filter.RiskLevel != "" {
		query += ` AND risk_level = ?`
		args = append(args, string(filter.RiskLevel))
	}
	if filter.MinPriority > 0 {
		query += ` AND priority >= ?`
		args = append(args, filter.MinPriority)
	}
	if filter.Search != "" {
		// LIKE is case-insensitive for ASCII in sqlite.
		query += ` AND (title LIKE ? OR summary LIKE ? OR ai_summary LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}
	query += ` ORDER BY priority DESC, risk_score DESC, created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list processed")
	}
	defer rows.Close()
	return collectArticles(rows)
}

// ApplyAnalyses writes a batch of analyses in one transaction. Re-applying
// the same batch overwrites the prior analysis fields rather than
// duplicating records.
func (s *SQLiteStore) ApplyAnalyses(ctx context.Context, analyses []model.ArticleAnalysis) (int, error) {
	if len(analyses) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin apply")
	}
	defer tx.Rollback()

	updated := 0
	for _, a := range analyses {
		processedAt := a.ProcessedAt
		if processedAt.IsZero() {
			processedAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE articles
			 SET ai_summary = ?, risk_level = ?, risk_score = ?, risk_detail = ?,
			     priority = ?, processed = 1, processed_at = ?
			 WHERE id = ?`,
			a.AISummary, string(a.RiskLevel), a.RiskScore, a.RiskDetail,
			a.Priority, processedAt, a.ArticleID,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: apply analysis %d", a.ArticleID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit apply")
	}
	return updated, nil
}

func (s *SQLiteStore) MarkUnprocessed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE articles
		 SET processed = 0, processed_at = NULL, ai_summary = '', risk_level = '',
		     risk_score = 0, risk_detail = '', priority = 0
		 WHERE id = ?`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark unprocessed %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("article not found: %d", id)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*model.StoreStats, error) {
	stats := &model.StoreStats{RiskBreakdown: map[string]int{}}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN processed = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN processed = 1 AND priority >= 8 THEN 1 ELSE 0 END), 0)
		 FROM articles`,
	).Scan(&stats.Total, &stats.Processed, &stats.HighPriority)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats totals")
	}
	stats.Unprocessed = stats.Total - stats.Processed

	rows, err := s.db.QueryContext(ctx,
		`SELECT risk_level, COUNT(*) FROM articles
		 WHERE processed = 1 AND risk_level != ''
		 GROUP BY risk_level`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats breakdown")
	}
	defer rows.Close()

	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan breakdown")
		}
		stats.RiskBreakdown[level] = count
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: stats iterate")
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, keepHighRisk bool) (int, error) {
	query := `DELETE FROM articles WHERE created_at < ?`
	args := []any{cutoff}
	if keepHighRisk {
		query += ` AND risk_score < ?`
		args = append(args, highRiskFloor)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete older than")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanArticle(row scannable) (*model.Article, error) {
	var a model.Article
	var riskLevel string
	var publishedAt, processedAt sql.NullTime

	err := row.Scan(&a.ID, &a.Source, &a.URL, &a.Title, &a.Summary, &a.Content,
		&publishedAt, &a.CreatedAt, &a.AISummary, &riskLevel, &a.RiskScore,
		&a.RiskDetail, &a.Priority, &a.Processed, &processedAt)
	if err != nil {
		return nil, err
	}

	a.RiskLevel = model.Severity(riskLevel)
	if publishedAt.Valid {
		t := publishedAt.Time
		a.PublishedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		a.ProcessedAt = &t
	}
	return &a, nil
}

func collectArticles(rows *sql.Rows) ([]model.Article, error) {
	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan article")
		}
		articles = append(articles, *a)
	}
	return articles, eris.Wrap(rows.Err(), "sqlite: iterate articles")
}
