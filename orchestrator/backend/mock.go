package backend

import (
	"context"
	"sync"

	"github.com/corvid-run/orchestrator/orchestrator/modelmanager"
)

// MockBackend is a test double implementing modelmanager.Backend, grounded
// on graph/model.MockChatModel's call-recording pattern.
type MockBackend struct {
	mu sync.Mutex

	Catalog []modelmanager.CatalogEntry
	Healthy bool
	Results map[string]modelmanager.GenerateResult
	Err     error

	LoadCalls     []string
	GenerateCalls []string
}

// ListModels returns the configured catalog.
func (m *MockBackend) ListModels(ctx context.Context) ([]modelmanager.CatalogEntry, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Catalog, nil
}

// IsHealthy returns the configured health flag.
func (m *MockBackend) IsHealthy(ctx context.Context) bool {
	return m.Healthy
}

// EnsureLoaded records the load call and returns the configured error.
func (m *MockBackend) EnsureLoaded(ctx context.Context, model string) error {
	m.mu.Lock()
	m.LoadCalls = append(m.LoadCalls, model)
	m.mu.Unlock()
	return m.Err
}

// Generate records the call and returns the configured result for model, or
// a zero-value result if none was configured.
func (m *MockBackend) Generate(ctx context.Context, model, prompt string, opts modelmanager.GenerateOptions) (modelmanager.GenerateResult, error) {
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, model)
	m.mu.Unlock()

	if m.Err != nil {
		return modelmanager.GenerateResult{}, m.Err
	}
	if result, ok := m.Results[model]; ok {
		return result, nil
	}
	return modelmanager.GenerateResult{Text: "mock response"}, nil
}
