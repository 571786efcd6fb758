package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyberbrief/triage-cli/internal/funnel"
	"github.com/cyberbrief/triage-cli/internal/llm"
	"github.com/cyberbrief/triage-cli/internal/model"
	"github.com/cyberbrief/triage-cli/internal/scraper"
	"github.com/cyberbrief/triage-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		preset, err := resolvePreset("", "")
		if err != nil {
			return err
		}

		s, sources := initScraper()
		api := &apiServer{
			store:         st,
			scraper:       s,
			sources:       sources,
			gateway:       initGateway(),
			defaultPreset: preset,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer holds the collaborators the HTTP handlers need.
type apiServer struct {
	store         store.Store
	scraper       *scraper.Scraper
	sources       []scraper.Source
	gateway       *llm.Gateway
	defaultPreset funnel.Preset
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/news", s.handleNews)
		r.Get("/news/all", s.handleNewsAll)
		r.Get("/news/critical", s.handleNewsCritical)
		r.Get("/news/{id}", s.handleNewsByID)
		r.Get("/stats", s.handleStats)
		r.Post("/scrape", s.handleScrape)
		r.Post("/triage", s.handleTriage)
		r.Post("/news/{id}/reprocess", s.handleReprocess)
		r.Post("/news/clean", s.handleClean)
	})
	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNews lists processed articles, highest priority first. Supports
// q (substring match), risk_level, min_priority, limit, offset.
func (s *apiServer) handleNews(w http.ResponseWriter, r *http.Request) {
	filter := store.ProcessedFilter{
		Search: r.URL.Query().Get("q"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if level := r.URL.Query().Get("risk_level"); level != "" {
		filter.RiskLevel = model.Severity(strings.ToLower(level))
	}
	filter.MinPriority = queryInt(r, "min_priority", 0)

	articles, err := s.store.ListProcessed(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeArticles(w, articles)
}

// handleNewsAll merges processed and pending articles, newest first.
func (s *apiServer) handleNewsAll(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	processed, err := s.store.ListProcessed(r.Context(), store.ProcessedFilter{Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.store.ListRecent(r.Context(), time.Time{}, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	all := append(processed, pending...)
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}

	writeArticles(w, all)
}

func (s *apiServer) handleNewsCritical(w http.ResponseWriter, r *http.Request) {
	articles, err := s.store.ListProcessed(r.Context(), store.ProcessedFilter{
		RiskLevel: model.SeverityCritical,
		Limit:     queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeArticles(w, articles)
}

func (s *apiServer) handleNewsByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid article id")
		return
	}

	article, err := s.store.GetArticle(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "article not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, article)
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *apiServer) handleScrape(w http.ResponseWriter, r *http.Request) {
	articles, err := s.scraper.Scrape(r.Context(), s.sources)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	inserted, err := s.store.InsertArticles(r.Context(), articles)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"scraped": len(articles),
		"new":     inserted,
	})
}

func (s *apiServer) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hours      int    `json:"hours"`
		Limit      int    `json:"limit"`
		TopK       int    `json:"top_k"`
		Preset     string `json:"preset"`
		SkipScrape bool   `json:"skip_scrape"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	preset := s.defaultPreset
	if req.Preset != "" {
		p, err := funnel.PresetByName(req.Preset)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		preset = p
	}
	if req.Hours > 0 {
		preset.Window = time.Duration(req.Hours) * time.Hour
	}
	if req.Limit > 0 {
		preset.GatherLimit = req.Limit
	}
	if req.TopK > 0 {
		preset.TopK = req.TopK
	}
	if err := preset.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !req.SkipScrape {
		articles, err := s.scraper.Scrape(r.Context(), s.sources)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if _, err := s.store.InsertArticles(r.Context(), articles); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	f := funnel.New(s.store, s.gateway, preset)
	res, err := f.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid article id")
		return
	}

	if err := s.store.MarkUnprocessed(r.Context(), id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "article not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "processed": false})
}

func (s *apiServer) handleClean(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Days         int   `json:"days"`
		KeepHighRisk *bool `json:"keep_high_risk"`
	}{Days: 30}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}
	keepHighRisk := req.KeepHighRisk == nil || *req.KeepHighRisk

	cutoff := time.Now().UTC().AddDate(0, 0, -req.Days)
	deleted, err := s.store.DeleteOlderThan(r.Context(), cutoff, keepHighRisk)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func writeArticles(w http.ResponseWriter, articles []model.Article) {
	if articles == nil {
		articles = []model.Article{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"articles": articles,
		"count":    len(articles),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
