package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/corvid-run/orchestrator/graph"
	"github.com/corvid-run/orchestrator/orchestrator/backend"
	"github.com/corvid-run/orchestrator/orchestrator/collaborators"
	"github.com/corvid-run/orchestrator/orchestrator/modelmanager"
	"github.com/corvid-run/orchestrator/orchestrator/providers"
	"github.com/corvid-run/orchestrator/orchestrator/scheduler"
)

// Services bundles every collaborator the orchestrator's inbound operations
// need, built once per process and passed explicitly rather than reached for
// through a global.
type Services struct {
	Manager   *modelmanager.Manager
	Cache     collaborators.Cache
	Search    collaborators.ExternalSearchProvider
	Analytics collaborators.AnalyticsSink
	Scheduler *scheduler.Scheduler
	Log       zerolog.Logger

	// Registry collects the Chat and Search Graphs' Prometheus metrics; the
	// cmd entrypoint exposes it over HTTP for scraping.
	Registry *prometheus.Registry

	chat   *ChatGraph
	search *SearchGraph
}

// NewServices wires a Services value from its collaborators and compiles the
// graphs that sit on top of them. Both graphs share one metrics registry so
// a single /metrics endpoint covers the whole process.
func NewServices(manager *modelmanager.Manager, cache collaborators.Cache, search collaborators.ExternalSearchProvider, analytics collaborators.AnalyticsSink, sched *scheduler.Scheduler, log zerolog.Logger) *Services {
	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)

	s := &Services{
		Manager:   manager,
		Cache:     cache,
		Search:    search,
		Analytics: analytics,
		Scheduler: sched,
		Log:       log,
		Registry:  registry,
	}
	s.chat = NewChatGraph(manager, cache, log, metrics)
	s.search = NewSearchGraph(manager, search, log, metrics)
	return s
}

// ChatResult is the outward-facing result of a RunChat call.
type ChatResult struct {
	RequestID   string
	Response    string
	TotalCost   float64
	Confidence  float64
	ExecutedBy  []string
	DurationSec float64
}

// RunChat executes the Chat Graph (C9) for one conversational turn.
func (s *Services) RunChat(ctx context.Context, query string, history []ConversationTurn, budget float64, quality QualityTier) (ChatResult, error) {
	start := time.Now()
	initial := NewExecutionState(query, budget, quality, 90*time.Second)
	initial.ConversationHistory = history

	engine := s.chat.Build()
	final, err := engine.Run(ctx, initial.RequestID, initial)
	s.Analytics.Record(ctx, "chat.completed", map[string]interface{}{"request_id": initial.RequestID, "error": err != nil})
	if err != nil {
		return ChatResult{}, NewError(ErrInternal, "chat graph run failed", false, err)
	}

	return ChatResult{
		RequestID:   final.RequestID,
		Response:    final.FinalResponse,
		TotalCost:   final.TotalCost(),
		Confidence:  final.AvgConfidence(),
		ExecutedBy:  final.ExecutionPath,
		DurationSec: time.Since(start).Seconds(),
	}, nil
}

// SearchResult is the outward-facing result of a RunSearch call.
type SearchResult struct {
	RequestID   string
	Response    string
	TotalCost   float64
	Confidence  float64
	ExecutedBy  []string
	DurationSec float64
}

// RunSearch executes the Search Graph (C10) for one query that may require
// web search and content enrichment.
func (s *Services) RunSearch(ctx context.Context, query string, budget float64, quality QualityTier) (SearchResult, error) {
	start := time.Now()
	initial := NewExecutionState(query, budget, quality, 90*time.Second)
	initial.ProcessedQuery = query

	engine := s.search.Build()
	final, err := engine.Run(ctx, initial.RequestID, initial)
	s.Analytics.Record(ctx, "search.completed", map[string]interface{}{"request_id": initial.RequestID, "error": err != nil})
	if err != nil {
		return SearchResult{}, NewError(ErrInternal, "search graph run failed", false, err)
	}

	return SearchResult{
		RequestID:   final.RequestID,
		Response:    final.FinalResponse,
		TotalCost:   final.TotalCost(),
		Confidence:  final.AvgConfidence(),
		ExecutedBy:  final.ExecutionPath,
		DurationSec: time.Since(start).Seconds(),
	}, nil
}

// ResearchTask describes one unit of work to submit to the Multi-Agent
// Scheduler, ahead of constructing the underlying scheduler.AgentTask.
type ResearchTask struct {
	ID           string
	AgentType    scheduler.AgentType
	Description  string
	Dependencies []string
	Priority     scheduler.TaskPriority
}

// ResearchResult is one task's outcome from a RunResearch call.
type ResearchResult struct {
	TaskID string
	Status scheduler.AgentStatus
	Data   map[string]interface{}
	Err    error
}

// RunResearch dispatches a dependency graph of agent tasks through the
// Multi-Agent Scheduler (C7), using the Model Manager to generate each
// agent's output.
func (s *Services) RunResearch(ctx context.Context, tasks []ResearchTask, quality QualityTier) ([]ResearchResult, error) {
	agentTasks := make([]*scheduler.AgentTask, 0, len(tasks))
	for _, t := range tasks {
		at := scheduler.NewAgentTask(t.ID, t.AgentType, t.Description, t.Dependencies...)
		if t.Priority != 0 {
			at.Priority = t.Priority
		}
		agentTasks = append(agentTasks, at)
	}

	exec := func(ctx context.Context, task *scheduler.AgentTask) (map[string]interface{}, error) {
		model, err := s.Manager.SelectOptimalModel(ctx, string(quality))
		if err != nil {
			return nil, err
		}
		out, err := Run(ctx, OpResearch, task.Description, func(ctx context.Context) (modelmanager.GenerateResult, error) {
			return s.Manager.Generate(ctx, model, task.Description, modelmanager.GenerateOptions{MaxTokens: 1024, Temperature: 0.3})
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"text": out.Text, "model": model}, nil
	}

	sched := s.Scheduler
	if sched == nil {
		sched = scheduler.New(exec, s.Log, 4)
	}

	finished, err := sched.Run(ctx, agentTasks)
	results := make([]ResearchResult, 0, len(finished))
	for _, t := range finished {
		data, terr := t.Result()
		results = append(results, ResearchResult{TaskID: t.TaskID, Status: t.Status(), Data: data, Err: terr})
	}
	if err != nil {
		return results, fmt.Errorf("research scheduling: %w", err)
	}
	return results, nil
}

// BootstrapBackend wires the default Model Backend Client implementation,
// layers in whichever hosted providers have a configured API key, and
// registers the result with a new Model Manager — the composition the cmd
// entrypoint uses for a normal process start. If statsPath is non-empty, the
// manager's per-model stats are persisted to (and restored from) a SQLite
// file there, so scoring survives a process restart; a failure to open it is
// logged and the manager falls back to starting cold.
func BootstrapBackend(baseURL string, timeout time.Duration, ratePerSecond float64, defaultModel, statsPath string, keys providers.Keys, log zerolog.Logger) *modelmanager.Manager {
	client := backend.New(baseURL, timeout, ratePerSecond)
	router := providers.New(client, keys)
	manager := modelmanager.New(router, log, defaultModel)

	if statsPath != "" {
		stats, err := modelmanager.OpenStatsStore(statsPath)
		if err != nil {
			log.Warn().Err(err).Str("path", statsPath).Msg("could not open model stats store, starting cold")
			return manager
		}
		if _, err := manager.WithStatsStore(context.Background(), stats); err != nil {
			log.Warn().Err(err).Msg("could not load persisted model stats, starting cold")
		}
	}

	return manager
}
