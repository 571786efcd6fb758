package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newsPage = `<!DOCTYPE html>
<html><body>
<article>
  <h2><a href="/2026/08/ransomware-hits-hospital">Ransomware attack cripples hospital network</a></h2>
  <p>Attackers encrypted patient systems and demanded payment.</p>
</article>
<article>
  <h2><a href="/2026/08/cve-disclosed">Critical vulnerability CVE-2026-1234 disclosed in VPN appliances</a></h2>
  <p>Vendors urge immediate patching.</p>
</article>
<article>
  <h2><a href="/2026/08/ai-hype">Generative AI will transform digital transformation</a></h2>
  <p>Thought leadership piece about machine learning.</p>
</article>
<article>
  <h2><a href="/2026/08/bakery">Local bakery wins sourdough award</a></h2>
  <p>Crusty and delicious.</p>
</article>
<article>
  <h2><a href="/2026/08/ransomware-hits-hospital">Ransomware attack cripples hospital network</a></h2>
  <p>Duplicate link to the same story.</p>
</article>
</body></html>`

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PerHostDelay = time.Millisecond
	return cfg
}

func TestScrape_ExtractsRelevantArticles(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cyberbrief-triage/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(newsPage))
	}))
	defer srv.Close()

	s := New(fastConfig(), srv.Client())
	got, err := s.Scrape(context.Background(), []Source{{Name: "Test Feed", URL: srv.URL}})
	require.NoError(t, err)

	// AI hype, off-topic, and the duplicate link are all dropped.
	require.Len(t, got, 2)
	titles := []string{got[0].Title, got[1].Title}
	assert.Contains(t, titles, "Ransomware attack cripples hospital network")
	assert.Contains(t, titles, "Critical vulnerability CVE-2026-1234 disclosed in VPN appliances")

	for _, a := range got {
		assert.Equal(t, "Test Feed", a.Source)
		assert.Contains(t, a.URL, srv.URL, "relative links must be resolved")
		assert.NotEmpty(t, a.Summary)
		assert.False(t, a.CreatedAt.IsZero())
	}
}

func TestScrape_FailingSourceIsSkipped(t *testing.T) {
	t.Parallel()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(newsPage))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	s := New(fastConfig(), good.Client())
	got, err := s.Scrape(context.Background(), []Source{
		{Name: "Broken", URL: bad.URL},
		{Name: "Working", URL: good.URL},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestScrape_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(newsPage))
	}))
	defer srv.Close()

	s := New(fastConfig(), srv.Client())
	s.retryCfg.InitialBackoff = time.Millisecond

	got, err := s.Scrape(context.Background(), []Source{{Name: "Flaky", URL: srv.URL}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestScrape_NoRetryOnPermanentStatus(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := New(fastConfig(), srv.Client())
	got, err := s.Scrape(context.Background(), []Source{{Name: "Blocked", URL: srv.URL}})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestScrape_MaxPerSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<article><h2><a href="/a">Malware campaign one</a></h2></article>
			<article><h2><a href="/b">Malware campaign two</a></h2></article>
			<article><h2><a href="/c">Malware campaign three</a></h2></article>
		</body></html>`))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxPerSource = 2
	s := New(cfg, srv.Client())
	got, err := s.Scrape(context.Background(), []Source{{Name: "Busy", URL: srv.URL}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestScrape_FlagsHighPriorityItems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<article><h2><a href="/urgent">Ransomware gang hits healthcare provider</a></h2></article>
			<article><h2><a href="/routine">Cybersecurity advisory on credential hygiene</a></h2></article>
		</body></html>`))
	}))
	defer srv.Close()

	s := New(fastConfig(), srv.Client())
	got, err := s.Scrape(context.Background(), []Source{{Name: "Feed", URL: srv.URL}})
	require.NoError(t, err)
	require.Len(t, got, 2)

	byTitle := map[string]int{}
	for _, a := range got {
		byTitle[a.Title] = a.Priority
	}
	assert.Equal(t, 5, byTitle["Ransomware gang hits healthcare provider"])
	assert.Equal(t, 1, byTitle["Cybersecurity advisory on credential hygiene"])
}

func TestHighPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		title   string
		summary string
		want    bool
	}{
		{"breach in title", "Data breach exposes customer records", "", true},
		{"zero-day", "Zero-day in VPN appliance", "", true},
		{"keyword in summary only", "Vendor statement published", "patch available for the flaw", true},
		{"routine coverage", "Cybersecurity awareness month begins", "training resources for staff", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HighPriority(tt.title, tt.summary))
		})
	}
}

func TestRelevant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		title   string
		summary string
		want    bool
	}{
		{"security news", "New ransomware strain spotted", "", true},
		{"off topic", "Sports roundup for the weekend", "", false},
		{"ai hype without context", "ChatGPT and the future of work", "machine learning everywhere", false},
		{"ai with security context", "ChatGPT used to write malware", "attackers abuse generative ai", true},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Relevant(tt.title, tt.summary))
		})
	}
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://a.com/x", resolveLink("https://a.com/", "/x"))
	assert.Equal(t, "https://b.com/y", resolveLink("https://a.com/", "https://b.com/y"))
	assert.Equal(t, "https://a.com/section/page", resolveLink("https://a.com/section/", "page"))
}
