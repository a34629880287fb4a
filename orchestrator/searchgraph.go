package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/corvid-run/orchestrator/graph"
	"github.com/corvid-run/orchestrator/graph/store"
	"github.com/corvid-run/orchestrator/orchestrator/collaborators"
	"github.com/corvid-run/orchestrator/orchestrator/modelmanager"
)

const searchCircuitBreakerCap = 15

// maxScrapeSlots bounds how many content_enhancement fan-out branches are
// statically registered on the scrape sub-engine; DetermineSearchStrategy's
// MaxScrape is clamped to this before the branches are built.
const maxScrapeSlots = 4

// SearchGraph wires the Search Graph (C10): start -> smart-router ->
// {brave-search -> content-enhancement -> response-synthesis} or
// {direct-response}, both converging on end, with an error-handler fork.
type SearchGraph struct {
	manager *modelmanager.Manager
	search  collaborators.ExternalSearchProvider
	log     zerolog.Logger
	metrics *graph.PrometheusMetrics
}

// NewSearchGraph constructs a SearchGraph. metrics may be nil.
func NewSearchGraph(manager *modelmanager.Manager, search collaborators.ExternalSearchProvider, log zerolog.Logger, metrics *graph.PrometheusMetrics) *SearchGraph {
	return &SearchGraph{manager: manager, search: search, log: log, metrics: metrics}
}

// Build compiles a fresh engine instance for one run.
func (g *SearchGraph) Build() *graph.Engine[ExecutionState] {
	emitter := NewZerologEmitter(g.log)
	engine := newEngine(emitter, searchCircuitBreakerCap, g.metrics)

	_ = engine.Add("smart_router", NewInstrumentedNode("smart_router", g.smartRouter, nil, 5*time.Second))
	_ = engine.Add("brave_search", NewInstrumentedNode("brave_search", g.braveSearch, nil, 20*time.Second))
	_ = engine.Add("content_enhancement", NewInstrumentedNode("content_enhancement", g.contentEnhancement, nil, 30*time.Second))
	_ = engine.Add("response_synthesis", NewInstrumentedNode("response_synthesis", g.responseSynthesis, nil, 60*time.Second))
	_ = engine.Add("direct_response", NewInstrumentedNode("direct_response", g.directResponse, nil, 30*time.Second))
	_ = engine.Add("error_handler", NewInstrumentedNode("error_handler", g.errorHandler, nil, 5*time.Second))

	_ = engine.StartAt("smart_router")
	return engine
}

func (g *SearchGraph) smartRouter(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
	strategy := DetermineSearchStrategy(state.Query, state.CostBudgetRemaining, state.QualityRequirement)

	delta := Reduce(
		IntermediateDelta("search_strategy_route", strategy.Route),
		ConfidenceDelta("smart_router", 0.9),
	)
	delta = Reduce(delta, ResultDelta("smart_router", NodeResult{Success: true, Confidence: 0.9}))

	if strategy.Route == "direct" {
		return delta, graph.Goto("direct_response"), nil
	}
	delta = Reduce(delta, IntermediateDelta("search_max_scrape", strategy.MaxScrape))
	delta = Reduce(delta, IntermediateDelta("search_use_scraping", strategy.UseScraping))
	return delta, graph.Goto("brave_search"), nil
}

func (g *SearchGraph) braveSearch(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
	results, err := g.search.Search(ctx, state.Query, 10)
	if err != nil {
		return ErrorDelta("brave_search", err.Error(), true), graph.Goto("error_handler"), nil
	}

	delta := CostDelta("brave_search", braveSearchCost)
	for i, r := range results {
		delta = Reduce(delta, IntermediateDelta(fmt.Sprintf("search_results.%d.title", i), r.Title))
		delta = Reduce(delta, IntermediateDelta(fmt.Sprintf("search_results.%d.url", i), r.URL))
		delta = Reduce(delta, IntermediateDelta(fmt.Sprintf("search_results.%d.snippet", i), r.Snippet))
	}
	delta = Reduce(delta, ResultDelta("brave_search", NodeResult{Success: true, Confidence: 0.8}))

	if state.Get("search_use_scraping").Bool() {
		return delta, graph.Goto("content_enhancement"), nil
	}
	return delta, graph.Goto("response_synthesis"), nil
}

func (g *SearchGraph) contentEnhancement(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
	maxScrape := int(state.Get("search_max_scrape").Int())
	if maxScrape <= 0 {
		maxScrape = 2
	}
	if maxScrape > maxScrapeSlots {
		maxScrape = maxScrapeSlots
	}

	var urls []string
	for _, entry := range state.Get("search_results").Array() {
		if len(urls) >= maxScrape {
			break
		}
		if url := entry.Get("url").String(); url != "" {
			urls = append(urls, url)
		}
	}

	delta := ExecutionState{}
	if len(urls) == 0 {
		delta = Reduce(delta, ResultDelta("content_enhancement", NodeResult{Success: true, Confidence: 0.75}))
		return delta, graph.Goto("response_synthesis"), nil
	}

	scraped, err := g.runScrapeFanout(ctx, state.RequestID, urls)
	if err != nil {
		return ErrorDelta("content_enhancement", err.Error(), true), graph.Goto("error_handler"), nil
	}

	for i, content := range scraped {
		if content == "" {
			continue // a single failed scrape degrades quality, it doesn't fail the run
		}
		delta = Reduce(delta, IntermediateDelta(fmt.Sprintf("scraped_content.%d", i), content))
		delta = Reduce(delta, CostDelta("content_enhancement", contentScrapeCost))
	}
	delta = Reduce(delta, ResultDelta("content_enhancement", NodeResult{Success: true, Confidence: 0.75}))

	return delta, graph.Goto("response_synthesis"), nil
}

// scrapeState is the state threaded through the content-enhancement
// sub-engine: the URLs to fetch, and the content each fan-out branch
// independently recovers, keyed by its slot.
type scrapeState struct {
	URLs    []string
	Content map[int]string
}

// scrapeReducer merges scrape branches deterministically: each branch writes
// exactly one key of Content, so merge order never matters.
func scrapeReducer(prev, delta scrapeState) scrapeState {
	if len(delta.URLs) > 0 {
		prev.URLs = delta.URLs
	}
	for slot, content := range delta.Content {
		if prev.Content == nil {
			prev.Content = make(map[int]string, len(delta.Content))
		}
		prev.Content[slot] = content
	}
	return prev
}

// scrapeNode fetches the URL at its slot and terminates; it never reads or
// writes any other slot, so running every slot concurrently is safe.
type scrapeNode struct {
	slot   int
	search collaborators.ExternalSearchProvider
}

func (n *scrapeNode) Run(ctx context.Context, state scrapeState) graph.NodeResult[scrapeState] {
	if n.slot >= len(state.URLs) {
		return graph.NodeResult[scrapeState]{Route: graph.Stop()}
	}
	content, err := n.search.Scrape(ctx, state.URLs[n.slot])
	if err != nil {
		return graph.NodeResult[scrapeState]{Route: graph.Stop()}
	}
	return graph.NodeResult[scrapeState]{
		Delta: scrapeState{Content: map[int]string{n.slot: content}},
		Route: graph.Stop(),
	}
}

// runScrapeFanout scrapes urls concurrently through a dedicated sub-engine:
// a single fan-out node launches one terminal scrapeNode per URL, and the
// Frontier scheduler merges their deltas deterministically once every branch
// has completed. This is the graph's only concurrent execution path, so it's
// what actually exercises MaxConcurrentNodes, the Frontier queue, and the
// post-run checkpoint commit.
func (g *SearchGraph) runScrapeFanout(ctx context.Context, requestID string, urls []string) ([]string, error) {
	st := store.NewMemStore[scrapeState]()
	emitter := NewZerologEmitter(g.log)
	opts := graph.Options{
		MaxSteps:           len(urls) + 1,
		MaxConcurrentNodes: len(urls),
		QueueDepth:         len(urls) * 4,
		DefaultNodeTimeout: 20 * time.Second,
		Metrics:            g.metrics,
	}
	engine := graph.New(scrapeReducer, st, emitter, opts)

	branches := make([]string, len(urls))
	for i := range urls {
		nodeID := fmt.Sprintf("scrape_%d", i)
		branches[i] = nodeID
		if err := engine.Add(nodeID, &scrapeNode{slot: i, search: g.search}); err != nil {
			return nil, err
		}
	}
	fanout := graph.NodeFunc[scrapeState](func(ctx context.Context, s scrapeState) graph.NodeResult[scrapeState] {
		return graph.NodeResult[scrapeState]{Route: graph.Next{Many: branches}}
	})
	if err := engine.Add("fanout", fanout); err != nil {
		return nil, err
	}
	if err := engine.StartAt("fanout"); err != nil {
		return nil, err
	}

	final, err := engine.Run(ctx, requestID+":scrape", scrapeState{URLs: urls})
	if err != nil {
		return nil, err
	}

	out := make([]string, len(urls))
	for slot, content := range final.Content {
		if slot >= 0 && slot < len(out) {
			out[slot] = content
		}
	}
	return out, nil
}

func (g *SearchGraph) responseSynthesis(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
	model, err := g.manager.SelectOptimalModel(ctx, string(state.QualityRequirement))
	if err != nil {
		return ErrorDelta("response_synthesis", err.Error(), true), graph.Goto("error_handler"), nil
	}

	prompt := synthesisPrompt(state)

	out, err := Run(ctx, OpComplex, state.Query, func(ctx context.Context) (modelmanager.GenerateResult, error) {
		return g.manager.Generate(ctx, model, prompt, modelmanager.GenerateOptions{MaxTokens: 1536, Temperature: 0.4})
	})
	if err != nil {
		return ErrorDelta("response_synthesis", err.Error(), true), graph.Goto("error_handler"), nil
	}

	delta := ExecutionState{FinalResponse: out.Text}
	delta = Reduce(delta, CostDelta("response_synthesis", estimateCost(model, out.InputTokens, out.OutputTokens)))
	delta = Reduce(delta, ConfidenceDelta("response_synthesis", 0.8))
	delta = Reduce(delta, ResultDelta("response_synthesis", NodeResult{Success: true, Confidence: 0.8, ModelUsed: model}))

	return delta, graph.Stop(), nil
}

func (g *SearchGraph) directResponse(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
	model, err := g.manager.SelectOptimalModel(ctx, string(state.QualityRequirement))
	if err != nil {
		return ErrorDelta("direct_response", err.Error(), true), graph.Goto("error_handler"), nil
	}

	out, err := Run(ctx, OpStandard, state.Query, func(ctx context.Context) (modelmanager.GenerateResult, error) {
		return g.manager.Generate(ctx, model, state.Query, modelmanager.GenerateOptions{MaxTokens: 768, Temperature: 0.6})
	})
	if err != nil {
		return ErrorDelta("direct_response", err.Error(), true), graph.Goto("error_handler"), nil
	}

	delta := ExecutionState{FinalResponse: out.Text}
	delta = Reduce(delta, CostDelta("direct_response", estimateCost(model, out.InputTokens, out.OutputTokens)))
	delta = Reduce(delta, ConfidenceDelta("direct_response", 0.6))
	delta = Reduce(delta, ResultDelta("direct_response", NodeResult{Success: true, Confidence: 0.6, ModelUsed: model}))

	return delta, graph.Stop(), nil
}

func (g *SearchGraph) errorHandler(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
	reason := "the search could not be completed"
	if len(state.Errors) > 0 {
		reason = state.Errors[len(state.Errors)-1].Message
	}
	delta := ExecutionState{FinalResponse: fmt.Sprintf("I couldn't finish that search (%s).", reason)}
	return delta, graph.Stop(), nil
}

func synthesisPrompt(state ExecutionState) string {
	prompt := "Answer the user's question using the search results below.\n\nQuestion: " + state.Query + "\n\nResults:\n"
	for _, r := range state.Get("search_results").Array() {
		prompt += "- " + r.Get("title").String() + ": " + r.Get("snippet").String() + "\n"
	}
	return prompt
}
