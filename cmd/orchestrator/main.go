// Command orchestrator runs the AI request orchestration service: a chat
// endpoint, a search endpoint, and a research endpoint backed by the Chat
// Graph, Search Graph, and Multi-Agent Scheduler.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvid-run/orchestrator/orchestrator"
	"github.com/corvid-run/orchestrator/orchestrator/collaborators"
	"github.com/corvid-run/orchestrator/orchestrator/config"
	"github.com/corvid-run/orchestrator/orchestrator/providers"
	"github.com/corvid-run/orchestrator/orchestrator/scheduler"
)

func main() {
	cfg := config.Load()
	log := orchestrator.NewLogger(cfg.LogLevel, cfg.IsProduction())

	keys := providers.Keys{
		Anthropic: cfg.AnthropicAPIKey,
		OpenAI:    cfg.OpenAIAPIKey,
		Google:    cfg.GoogleAPIKey,
	}
	manager := orchestrator.BootstrapBackend(cfg.ModelBackendURL, cfg.BackendTimeout, 5, cfg.DefaultModel, cfg.SQLiteStatsPath, keys, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.DiscoverCatalog(ctx); err != nil {
		log.Warn().Err(err).Msg("initial catalog discovery failed, starting degraded")
	}
	if err := manager.StartBackgroundRefresh(ctx, cfg.CatalogRefreshInterval); err != nil {
		log.Warn().Err(err).Msg("could not start background catalog refresh")
	}
	defer manager.Shutdown()

	var search collaborators.ExternalSearchProvider = collaborators.NoopSearchProvider{}
	if cfg.BraveAPIKey != "" {
		search = collaborators.NewBraveSearchProvider(cfg.BraveAPIKey)
	} else {
		log.Warn().Msg("BRAVE_API_KEY not set, search graph will run with no external search provider")
	}

	var cache collaborators.Cache = collaborators.NoopCache{}
	if cfg.CacheURL != "" {
		redisCache, err := collaborators.NewRedisCache(cfg.CacheURL)
		if err != nil {
			log.Warn().Err(err).Msg("could not connect to redis cache, falling back to no-op cache")
		} else {
			defer redisCache.Close()
			cache = redisCache
		}
	}

	svc := orchestrator.NewServices(
		manager,
		cache,
		search,
		collaborators.NoopAnalyticsSink{},
		nil,
		log,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", chatHandler(svc))
	mux.HandleFunc("/v1/search", searchHandler(svc))
	mux.HandleFunc("/v1/research", researchHandler(svc))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("orchestrator listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server exited")
	}
}

type chatRequest struct {
	Query   string                        `json:"query"`
	Budget  float64                       `json:"budget"`
	Quality string                        `json:"quality"`
	History []orchestrator.ConversationTurn `json:"history"`
}

func chatHandler(svc *orchestrator.Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		quality := orchestrator.QualityTier(req.Quality)
		if quality == "" {
			quality = orchestrator.QualityBalanced
		}
		result, err := svc.RunChat(r.Context(), req.Query, req.History, req.Budget, quality)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result)
	}
}

type searchRequest struct {
	Query   string  `json:"query"`
	Budget  float64 `json:"budget"`
	Quality string  `json:"quality"`
}

func searchHandler(svc *orchestrator.Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		quality := orchestrator.QualityTier(req.Quality)
		if quality == "" {
			quality = orchestrator.QualityBalanced
		}
		result, err := svc.RunSearch(r.Context(), req.Query, req.Budget, quality)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result)
	}
}

type researchRequest struct {
	Tasks []struct {
		ID           string `json:"id"`
		AgentType    string `json:"agent_type"`
		Description  string `json:"description"`
		Dependencies []string `json:"dependencies"`
	} `json:"tasks"`
	Quality string `json:"quality"`
}

func researchHandler(svc *orchestrator.Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req researchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		quality := orchestrator.QualityTier(req.Quality)
		if quality == "" {
			quality = orchestrator.QualityBalanced
		}

		tasks := make([]orchestrator.ResearchTask, 0, len(req.Tasks))
		for _, t := range req.Tasks {
			tasks = append(tasks, orchestrator.ResearchTask{
				ID:           t.ID,
				AgentType:    scheduler.AgentType(t.AgentType),
				Description:  t.Description,
				Dependencies: t.Dependencies,
			})
		}

		results, err := svc.RunResearch(r.Context(), tasks, quality)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, results)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
