package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/cyberbrief/triage-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. Declared as an
// interface so tests can substitute a mock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"insert_article": `INSERT INTO articles (source, url, title, summary, content, published_at, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (url) DO NOTHING`,
	"apply_analysis": `UPDATE articles
		SET ai_summary = $1, risk_level = $2, risk_score = $3, risk_detail = $4,
		    priority = $5, processed = true, processed_at = $6
		WHERE id = $7`,
	"get_article": `SELECT id, source, url, title, summary, content, published_at, created_at,
		ai_summary, risk_level, risk_score, risk_detail, priority, processed, processed_at
		FROM articles WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS articles (
	id           BIGSERIAL PRIMARY KEY,
	source       TEXT NOT NULL,
	url          TEXT NOT NULL UNIQUE,
	title        TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	ai_summary   TEXT NOT NULL DEFAULT '',
	risk_level   TEXT NOT NULL DEFAULT '',
	risk_score   INTEGER NOT NULL DEFAULT 0,
	risk_detail  TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL DEFAULT 0,
	processed    BOOLEAN NOT NULL DEFAULT false,
	processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_articles_processed ON articles(processed);
CREATE INDEX IF NOT EXISTS idx_articles_created_at ON articles(created_at);
CREATE INDEX IF NOT EXISTS idx_articles_risk_score ON articles(risk_score);
CREATE INDEX IF NOT EXISTS idx_articles_priority ON articles(priority);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) InsertArticles(ctx context.Context, articles []model.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin insert")
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, a := range articles {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO articles (source, url, title, summary, content, published_at, priority, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (url) DO NOTHING`,
			a.Source, a.URL, a.Title, a.Summary, a.Content, a.PublishedAt, a.Priority, createdAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: insert article %s", a.URL)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit insert")
	}
	return inserted, nil
}

const pgArticleColumns = `id, source, url, title, summary, content, published_at, created_at,
	ai_summary, risk_level, risk_score, risk_detail, priority, processed, processed_at`

func (s *PostgresStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgArticleColumns+` FROM articles
		 WHERE processed = false AND created_at >= $1
		 ORDER BY COALESCE(published_at, created_at) DESC, id DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recent")
	}
	defer rows.Close()
	return collectPgArticles(rows)
}

func (s *PostgresStore) GetArticle(ctx context.Context, id int64) (*model.Article, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgArticleColumns+` FROM articles WHERE id = $1`, id)
	a, err := scanPgArticle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("article not found: %d", id)
		}
		return nil, eris.Wrapf(err, "postgres: get article %d", id)
	}
	return a, nil
}

func (s *PostgresStore) ListProcessed(ctx context.Context, filter ProcessedFilter) ([]model.Article, error) {
	query := `SELECT ` + pgArticleColumns + ` FROM articles WHERE processed = true`
	args := []any{}
	argIdx := 1

	if filter.RiskLevel != "" {
		query += fmt.Sprintf(` AND risk_level = $%d`, argIdx)
		args = append(args, string(filter.RiskLevel))
		argIdx++
	}
	if filter.MinPriority > 0 {
		query += fmt.Sprintf(` AND priority >= $%d`, argIdx)
		args = append(args, filter.MinPriority)
		argIdx++
	}
	if filter.Search != "" {
		query += fmt.Sprintf(` AND (title ILIKE $%d OR summary ILIKE $%d OR ai_summary ILIKE $%d)`,
			argIdx, argIdx, argIdx)
		args = append(args, "%"+filter.Search+"%")
		argIdx++
	}
	query += ` ORDER BY priority DESC, risk_score DESC, created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list processed")
	}
	defer rows.Close()
	return collectPgArticles(rows)
}

// ApplyAnalyses writes a batch of analyses in one transaction. Re-applying
// the same batch overwrites the prior analysis fields rather than
// duplicating records.
func (s *PostgresStore) ApplyAnalyses(ctx context.Context, analyses []model.ArticleAnalysis) (int, error) {
	if len(analyses) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin apply")
	}
	defer tx.Rollback(ctx)

	updated := 0
	for _, a := range analyses {
		processedAt := a.ProcessedAt
		if processedAt.IsZero() {
			processedAt = time.Now().UTC()
		}
		tag, err := tx.Exec(ctx,
			`UPDATE articles
			 SET ai_summary = $1, risk_level = $2, risk_score = $3, risk_detail = $4,
			     priority = $5, processed = true, processed_at = $6
			 WHERE id = $7`,
			a.AISummary, string(a.RiskLevel), a.RiskScore, a.RiskDetail,
			a.Priority, processedAt, a.ArticleID,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: apply analysis %d", a.ArticleID)
		}
		updated += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit apply")
	}
	return updated, nil
}

func (s *PostgresStore) MarkUnprocessed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE articles
		 SET processed = false, processed_at = NULL, ai_summary = '', risk_level = '',
		     risk_score = 0, risk_detail = '', priority = 0
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark unprocessed %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("article not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*model.StoreStats, error) {
	stats := &model.StoreStats{RiskBreakdown: map[string]int{}}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE processed),
		        COUNT(*) FILTER (WHERE processed AND priority >= 8)
		 FROM articles`,
	).Scan(&stats.Total, &stats.Processed, &stats.HighPriority)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats totals")
	}
	stats.Unprocessed = stats.Total - stats.Processed

	rows, err := s.pool.Query(ctx,
		`SELECT risk_level, COUNT(*) FROM articles
		 WHERE processed = true AND risk_level != ''
		 GROUP BY risk_level`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats breakdown")
	}
	defer rows.Close()

	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan breakdown")
		}
		stats.RiskBreakdown[level] = count
	}
	return stats, eris.Wrap(rows.Err(), "postgres: stats iterate")
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, keepHighRisk bool) (int, error) {
	query := `DELETE FROM articles WHERE created_at < $1`
	args := []any{cutoff}
	if keepHighRisk {
		query += ` AND risk_score < $2`
		args = append(args, highRiskFloor)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete older than")
	}
	return int(tag.RowsAffected()), nil
}

// helpers

func scanPgArticle(row pgx.Row) (*model.Article, error) {
	var a model.Article
	var riskLevel string
	var publishedAt, processedAt *time.Time

	err := row.Scan(&a.ID, &a.Source, &a.URL, &a.Title, &a.Summary, &a.Content,
		&publishedAt, &a.CreatedAt, &a.AISummary, &riskLevel, &a.RiskScore,
		&a.RiskDetail, &a.Priority, &a.Processed, &processedAt)
	if err != nil {
		return nil, err
	}

	a.RiskLevel = model.Severity(riskLevel)
	a.PublishedAt = publishedAt
	a.ProcessedAt = processedAt
	return &a, nil
}

func collectPgArticles(rows pgx.Rows) ([]model.Article, error) {
	var articles []model.Article
	for rows.Next() {
		a, err := scanPgArticle(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan article")
		}
		articles = append(articles, *a)
	}
	return articles, eris.Wrap(rows.Err(), "postgres: iterate articles")
}
