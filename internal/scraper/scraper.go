// Package scraper pulls candidate articles from cybersecurity news sites.
// It extracts headlines with CSS selectors, keeps only security-relevant
// items, and is polite to sources: per-host rate limiting and retry only on
// transient failures.
package scraper

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cyberbrief/triage-cli/internal/heuristic"
	"github.com/cyberbrief/triage-cli/internal/model"
	"github.com/cyberbrief/triage-cli/internal/resilience"
)

// Source is one site to scrape.
type Source struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// DefaultSources are the sites scraped when no config overrides them.
func DefaultSources() []Source {
	return []Source{
		{Name: "The Hacker News", URL: "https://thehackernews.com/"},
		{Name: "BleepingComputer", URL: "https://www.bleepingcomputer.com/"},
		{Name: "SecurityWeek", URL: "https://www.securityweek.com/"},
		{Name: "Dark Reading", URL: "https://www.darkreading.com/"},
		{Name: "Krebs on Security", URL: "https://krebsonsecurity.com/"},
	}
}

// headlineSelectors cover the markup of most news sites, most specific first.
var headlineSelectors = []string{
	"article h2 a", "article h3 a",
	".headline a", ".post-title a", ".entry-title a",
	".story-title a", ".article-title a",
	"h1 a", "h2 a", "h3 a",
}

// excludeKeywords flag general-tech hype that is not security news unless
// a security term appears alongside it.
var excludeKeywords = []string{
	"agentic commerce", "digital transformation", "ai-enabled",
	"machine learning", "artificial intelligence", "chatgpt",
	"generative ai", "large language model",
}

var securityContextKeywords = []string{
	"security", "vulnerability", "breach", "attack", "threat",
}

// highPriorityKeywords mark items that should rank above the rest of the
// backlog before any analysis has run.
var highPriorityKeywords = []string{
	"breach", "vulnerability", "zero-day", "exploit", "ransomware",
	"malware", "attack", "threat", "critical", "emergency", "patch",
	"compromise", "leaked", "hacked", "data breach", "security flaw",
	"cyber attack", "apt", "threat actor",
}

// Initial priorities assigned at scrape time. Analysis later overwrites them
// with the severity-derived priority.
const (
	priorityHigh    = 5
	priorityDefault = 1
)

// Config tunes scraper behavior.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	PerHostDelay   time.Duration
	Concurrency    int
	MaxPerSource   int
}

// DefaultConfig returns the standard polite-scraping settings.
func DefaultConfig() Config {
	return Config{
		UserAgent:      "cyberbrief-triage/1.0",
		RequestTimeout: 20 * time.Second,
		PerHostDelay:   2 * time.Second,
		Concurrency:    3,
		MaxPerSource:   40,
	}
}

// Scraper fetches and extracts articles from configured sources.
type Scraper struct {
	cfg      Config
	client   *http.Client
	retryCfg resilience.RetryConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a scraper. client may be nil to use a default.
func New(cfg Config, client *http.Client) *Scraper {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.PerHostDelay <= 0 {
		cfg.PerHostDelay = DefaultConfig().PerHostDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = DefaultConfig().MaxPerSource
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("scraper", "fetch")

	return &Scraper{
		cfg:      cfg,
		client:   client,
		retryCfg: retryCfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Scrape fetches every source and returns deduplicated, security-relevant
// articles. A source that fails is logged and skipped; the remaining
// sources still contribute.
func (s *Scraper) Scrape(ctx context.Context, sources []Source) ([]model.Article, error) {
	if len(sources) == 0 {
		sources = DefaultSources()
	}

	var mu sync.Mutex
	var all []model.Article

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			articles, err := s.scrapeSource(gctx, src)
			if err != nil {
				zap.L().Warn("source failed",
					zap.String("source", src.Name),
					zap.Error(err),
				)
				return nil // one bad source never fails the sweep
			}
			highPriority := 0
			for _, a := range articles {
				if a.Priority >= priorityHigh {
					highPriority++
				}
			}
			mu.Lock()
			all = append(all, articles...)
			mu.Unlock()
			zap.L().Info("source scraped",
				zap.String("source", src.Name),
				zap.Int("articles", len(articles)),
				zap.Int("high_priority", highPriority),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return dedupeByURL(all), nil
}

func (s *Scraper) scrapeSource(ctx context.Context, src Source) ([]model.Article, error) {
	if err := s.waitForHost(ctx, src.URL); err != nil {
		return nil, err
	}

	doc, err := resilience.DoVal(ctx, s.retryCfg, func(ctx context.Context) (*goquery.Document, error) {
		return s.fetchDocument(ctx, src.URL)
	})
	if err != nil {
		return nil, err
	}

	return s.extractArticles(doc, src), nil
}

func (s *Scraper) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scraper: build request")
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "scraper: request page")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("scraper: %s returned %s", pageURL, resp.Status)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "scraper: parse page")
	}
	return doc, nil
}

func (s *Scraper) extractArticles(doc *goquery.Document, src Source) []model.Article {
	now := time.Now().UTC()
	seen := map[string]struct{}{}
	var articles []model.Article

	for _, selector := range headlineSelectors {
		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if len(articles) >= s.cfg.MaxPerSource {
				return false
			}

			title := strings.TrimSpace(sel.Text())
			href, ok := sel.Attr("href")
			if title == "" || !ok {
				return true
			}
			link := resolveLink(src.URL, href)
			if link == "" {
				return true
			}
			if _, dup := seen[link]; dup {
				return true
			}

			summary := strings.TrimSpace(sel.Closest("article").Find("p").First().Text())
			if !Relevant(title, summary) {
				return true
			}

			priority := priorityDefault
			if HighPriority(title, summary) {
				priority = priorityHigh
			}

			seen[link] = struct{}{}
			articles = append(articles, model.Article{
				Source:    src.Name,
				URL:       link,
				Title:     title,
				Summary:   summary,
				Priority:  priority,
				CreatedAt: now,
			})
			return true
		})
		if len(articles) >= s.cfg.MaxPerSource {
			break
		}
	}

	return articles
}

// HighPriority reports whether a headline signals an urgent item (active
// breach, exploited vulnerability) rather than routine coverage.
func HighPriority(title, summary string) bool {
	text := strings.ToLower(title + " " + summary)
	for _, kw := range highPriorityKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Relevant reports whether an item is cybersecurity news: it must contain a
// domain keyword and must not be general-tech hype without security context.
func Relevant(title, summary string) bool {
	if !heuristic.IsSecurityRelevant(title, summary) {
		return false
	}

	text := strings.ToLower(title + " " + summary)
	for _, ex := range excludeKeywords {
		if !strings.Contains(text, ex) {
			continue
		}
		hasContext := false
		for _, sec := range securityContextKeywords {
			if strings.Contains(text, sec) {
				hasContext = true
				break
			}
		}
		if !hasContext {
			return false
		}
	}
	return true
}

// waitForHost enforces the per-host crawl delay.
func (s *Scraper) waitForHost(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return eris.Wrapf(err, "scraper: invalid source url %s", rawURL)
	}

	s.mu.Lock()
	lim, ok := s.limiters[u.Host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cfg.PerHostDelay), 1)
		s.limiters[u.Host] = lim
	}
	s.mu.Unlock()

	return lim.Wait(ctx)
}

func resolveLink(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(ref).String()
}

func dedupeByURL(articles []model.Article) []model.Article {
	seen := map[string]struct{}{}
	out := articles[:0]
	for _, a := range articles {
		if _, dup := seen[a.URL]; dup {
			continue
		}
		seen[a.URL] = struct{}{}
		out = append(out, a)
	}
	return out
}
