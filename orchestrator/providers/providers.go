// Package providers composes the local Model Backend Client with the
// hosted-LLM adapters in graph/model/anthropic, openai, and google so the
// Model Manager's external tier can actually serve traffic, not just
// appear in the preferred-model table.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/corvid-run/orchestrator/graph/model"
	"github.com/corvid-run/orchestrator/graph/model/anthropic"
	"github.com/corvid-run/orchestrator/graph/model/google"
	"github.com/corvid-run/orchestrator/graph/model/openai"
	"github.com/corvid-run/orchestrator/orchestrator/modelmanager"
)

// Keys configures which hosted providers are available. An empty key leaves
// that provider out of the catalog entirely.
type Keys struct {
	Anthropic string
	OpenAI    string
	Google    string
}

// hostedCatalog names the one model this router offers per configured
// provider, matching the model names the Model Manager's preferred table
// already expects.
var hostedCatalog = map[string]string{ // model name -> provider key
	"claude-sonnet-4-5-20250929": "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"gpt-4o":                     "openai",
	"gpt-4o-mini":                "openai",
	"gemini-1.5-flash":           "google",
}

// Router implements modelmanager.Backend, dispatching local-tier model names
// to a wrapped local backend and external-tier model names to the matching
// hosted ChatModel adapter.
type Router struct {
	local modelmanager.Backend

	anthropicModel model.ChatModel
	openaiModel    model.ChatModel
	googleModel    model.ChatModel
}

// New wraps local with whichever hosted providers have a non-empty key.
func New(local modelmanager.Backend, keys Keys) *Router {
	r := &Router{local: local}
	if keys.Anthropic != "" {
		r.anthropicModel = anthropic.NewChatModel(keys.Anthropic, "")
	}
	if keys.OpenAI != "" {
		r.openaiModel = openai.NewChatModel(keys.OpenAI, "")
	}
	if keys.Google != "" {
		r.googleModel = google.NewChatModel(keys.Google, "")
	}
	return r
}

func (r *Router) providerFor(modelName string) model.ChatModel {
	switch hostedCatalog[modelName] {
	case "anthropic":
		return r.anthropicModel
	case "openai":
		return r.openaiModel
	case "google":
		return r.googleModel
	default:
		return nil
	}
}

// ListModels returns the local catalog plus every hosted model whose
// provider is configured.
func (r *Router) ListModels(ctx context.Context) ([]modelmanager.CatalogEntry, error) {
	entries, err := r.local.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for name := range hostedCatalog {
		if r.providerFor(name) != nil {
			entries = append(entries, modelmanager.CatalogEntry{Name: name, Tier: modelmanager.TierExternal})
		}
	}
	return entries, nil
}

// IsHealthy reports the local backend's health; hosted providers have no
// cheap health probe, so an external-only deployment is always "healthy"
// from this method's point of view and lets generation calls surface real
// failures instead.
func (r *Router) IsHealthy(ctx context.Context) bool {
	return r.local.IsHealthy(ctx)
}

// EnsureLoaded is a no-op for hosted models, which are always available
// behind the provider's API; local models still go through the real pull.
func (r *Router) EnsureLoaded(ctx context.Context, modelName string) error {
	if r.providerFor(modelName) != nil {
		return nil
	}
	return r.local.EnsureLoaded(ctx, modelName)
}

// Generate dispatches to the hosted provider for modelName if one is
// configured, otherwise falls through to the local backend.
func (r *Router) Generate(ctx context.Context, modelName, prompt string, opts modelmanager.GenerateOptions) (modelmanager.GenerateResult, error) {
	chat := r.providerFor(modelName)
	if chat == nil {
		return r.local.Generate(ctx, modelName, prompt, opts)
	}

	messages := make([]model.Message, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: opts.SystemPrompt})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	start := time.Now()
	out, err := chat.Chat(ctx, messages, nil)
	if err != nil {
		return modelmanager.GenerateResult{}, fmt.Errorf("providers: %s: %w", modelName, err)
	}

	return modelmanager.GenerateResult{
		Text:         out.Text,
		InputTokens:  estimateTokens(prompt),
		OutputTokens: estimateTokens(out.Text),
		Elapsed:      time.Since(start),
	}, nil
}

// estimateTokens approximates token count by whitespace-separated word
// count; the hosted adapters don't surface real usage counts through
// model.ChatOut, and an estimate is enough for graph.CostTracker's rough
// per-call accounting.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}
