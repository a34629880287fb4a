package modelmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeBackend struct {
	mu      sync.Mutex
	models  []CatalogEntry
	listErr error

	loadCalls []string
	loadErr   error

	genResult GenerateResult
	genErr    error
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]CatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeBackend) IsHealthy(ctx context.Context) bool { return f.listErr == nil }

func (f *fakeBackend) EnsureLoaded(ctx context.Context, model string) error {
	f.mu.Lock()
	f.loadCalls = append(f.loadCalls, model)
	f.mu.Unlock()
	return f.loadErr
}

func (f *fakeBackend) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (GenerateResult, error) {
	return f.genResult, f.genErr
}

func newTestManager(backend Backend) *Manager {
	return New(backend, zerolog.Nop(), "fallback-model")
}

func TestDiscoverCatalog_PopulatesAndReconciles(t *testing.T) {
	backend := &fakeBackend{models: []CatalogEntry{{Name: "model-a", Tier: TierLocal}, {Name: "model-b", Tier: TierLocal}}}
	m := newTestManager(backend)

	if err := m.DiscoverCatalog(context.Background()); err != nil {
		t.Fatalf("DiscoverCatalog: %v", err)
	}
	if m.Degraded() {
		t.Error("manager should not be degraded after a successful discovery")
	}

	backend.mu.Lock()
	backend.models = []CatalogEntry{{Name: "model-a", Tier: TierLocal}}
	backend.mu.Unlock()

	if err := m.DiscoverCatalog(context.Background()); err != nil {
		t.Fatalf("DiscoverCatalog: %v", err)
	}

	m.mu.RLock()
	_, hasB := m.catalog["model-b"]
	m.mu.RUnlock()
	if hasB {
		t.Error("model-b should have been reconciled out of the catalog")
	}
}

func TestDiscoverCatalog_FailureMarksDegradedButKeepsStaleCatalog(t *testing.T) {
	backend := &fakeBackend{models: []CatalogEntry{{Name: "model-a", Tier: TierLocal}}}
	m := newTestManager(backend)
	if err := m.DiscoverCatalog(context.Background()); err != nil {
		t.Fatalf("DiscoverCatalog: %v", err)
	}

	backend.mu.Lock()
	backend.listErr = errors.New("backend unreachable")
	backend.mu.Unlock()

	if err := m.DiscoverCatalog(context.Background()); err == nil {
		t.Fatal("expected DiscoverCatalog to return the backend error")
	}
	if !m.Degraded() {
		t.Error("manager should be degraded after a failed discovery")
	}

	m.mu.RLock()
	_, hasA := m.catalog["model-a"]
	m.mu.RUnlock()
	if !hasA {
		t.Error("a failed refresh should keep the stale catalog, not clear it")
	}
}

func TestSelectOptimalModel_PrefersTablePreferredModel(t *testing.T) {
	backend := &fakeBackend{models: []CatalogEntry{{Name: "gemini-1.5-flash", Tier: TierExternal}}}
	m := newTestManager(backend)
	_ = m.DiscoverCatalog(context.Background())

	got, err := m.SelectOptimalModel(context.Background(), "minimal")
	if err != nil {
		t.Fatalf("SelectOptimalModel: %v", err)
	}
	if got != "gemini-1.5-flash" {
		t.Errorf("got %q, want gemini-1.5-flash (the preferred minimal-tier model present in the catalog)", got)
	}
}

func TestSelectOptimalModel_FallsBackToDefaultWhenCatalogEmpty(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestManager(backend)

	got, err := m.SelectOptimalModel(context.Background(), "balanced")
	if err != nil {
		t.Fatalf("SelectOptimalModel: %v", err)
	}
	if got != "fallback-model" {
		t.Errorf("got %q, want fallback-model", got)
	}
}

func TestSelectOptimalModel_NoModelsAvailable(t *testing.T) {
	backend := &fakeBackend{}
	m := New(backend, zerolog.Nop(), "")

	_, err := m.SelectOptimalModel(context.Background(), "balanced")
	if !errors.Is(err, ErrNoModelsAvailable) {
		t.Errorf("err = %v, want ErrNoModelsAvailable", err)
	}
}

func TestSelectOptimalModel_ExcludesRequestedNames(t *testing.T) {
	backend := &fakeBackend{models: []CatalogEntry{{Name: "gemini-1.5-flash", Tier: TierExternal}}}
	m := newTestManager(backend)
	_ = m.DiscoverCatalog(context.Background())

	got, err := m.SelectOptimalModel(context.Background(), "minimal", "gemini-1.5-flash")
	if err != nil {
		t.Fatalf("SelectOptimalModel: %v", err)
	}
	if got != "fallback-model" {
		t.Errorf("got %q, want the fallback once the only preferred model is excluded", got)
	}
}

func TestModelInfo_ScoreWeighting(t *testing.T) {
	now := time.Now()

	fresh := newModelInfo("fresh", TierLocal)
	fresh.recordOutcome(true, 100*time.Millisecond)

	stale := newModelInfo("stale", TierLocal)
	stale.recordOutcome(true, 100*time.Millisecond)
	stale.lastUsed = now.Add(-2 * time.Hour)

	if fresh.score(now) <= stale.score(now) {
		t.Error("a recently used model should score higher than an equally successful stale one")
	}
}

func TestGenerate_RecordsOutcomeAndLoadsFirst(t *testing.T) {
	backend := &fakeBackend{genResult: GenerateResult{Text: "hi", InputTokens: 1, OutputTokens: 2}}
	m := newTestManager(backend)

	result, err := m.Generate(context.Background(), "model-a", "prompt", GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "hi" {
		t.Errorf("Text = %q, want hi", result.Text)
	}

	backend.mu.Lock()
	loadCalls := len(backend.loadCalls)
	backend.mu.Unlock()
	if loadCalls != 1 {
		t.Errorf("EnsureLoaded calls = %d, want 1", loadCalls)
	}

	m.mu.RLock()
	info := m.catalog["model-a"]
	m.mu.RUnlock()
	if info == nil || info.observations != 1 {
		t.Errorf("expected model-a to have one recorded observation, got %+v", info)
	}
}

func TestEnsureLoaded_DedupsConcurrentLoads(t *testing.T) {
	backend := &fakeBackend{}
	m := newTestManager(backend)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.EnsureLoaded(context.Background(), "shared-model")
		}()
	}
	wg.Wait()

	backend.mu.Lock()
	calls := len(backend.loadCalls)
	backend.mu.Unlock()
	if calls == 0 {
		t.Fatal("expected at least one EnsureLoaded call")
	}
}

func TestWithStatsStore_PersistsAcrossRestart(t *testing.T) {
	store, err := OpenStatsStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStatsStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	backend := &fakeBackend{genResult: GenerateResult{Elapsed: 10 * time.Millisecond}}
	m := newTestManager(backend)
	if _, err := m.WithStatsStore(ctx, store); err != nil {
		t.Fatalf("WithStatsStore: %v", err)
	}

	if _, err := m.Generate(ctx, "model-a", "hi", GenerateOptions{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// A fresh manager attached to the same (in-memory) store should pick up
	// model-a's stats instead of starting from a neutral prior.
	m2 := newTestManager(&fakeBackend{})
	if _, err := m2.WithStatsStore(ctx, store); err != nil {
		t.Fatalf("WithStatsStore on second manager: %v", err)
	}

	m2.mu.RLock()
	info, ok := m2.catalog["model-a"]
	m2.mu.RUnlock()
	if !ok {
		t.Fatal("expected model-a to be restored into the second manager's catalog")
	}
	if info.observations != 1 {
		t.Errorf("expected restored observations=1, got %d", info.observations)
	}
}
