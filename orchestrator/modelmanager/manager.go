// Package modelmanager implements the Model Manager: catalog discovery,
// optimal-model selection, generation dispatch, and background refresh over
// a pool of local and external chat models.
package modelmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/corvid-run/orchestrator/orchestrator/internal/ewma"
)

// ModelTier classifies where a model runs: local (self-hosted backend) or
// external (a hosted provider API).
type ModelTier string

const (
	TierLocal    ModelTier = "local"
	TierExternal ModelTier = "external"
)

// CatalogEntry is one model as reported by the backend's catalog listing.
type CatalogEntry struct {
	Name      string
	Tier      ModelTier
	SizeBytes int64
}

// GenerateOptions configures one generation call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	SystemPrompt string
}

// GenerateResult is the outcome of a generation call, including the
// bookkeeping the Model Manager needs to update its rolling stats.
type GenerateResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}

// Backend is the narrow surface the Model Manager needs from the Model
// Backend Client (C5). Kept as an interface here so modelmanager never
// imports the concrete backend package, avoiding an import cycle with the
// orchestrator package that wires both together.
type Backend interface {
	ListModels(ctx context.Context) ([]CatalogEntry, error)
	IsHealthy(ctx context.Context) bool
	EnsureLoaded(ctx context.Context, model string) error
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (GenerateResult, error)
}

// ModelInfo is the live performance record for one catalog entry.
// SuccessRate and AvgResponseTime are EWMA-smoothed with alpha 0.1; the
// rolling window is bounded at 20 observations by the success EWMA
// converging well within that span.
type ModelInfo struct {
	Name     string
	Tier     ModelTier

	mu              sync.RWMutex
	successRate     ewma.Tracker
	avgResponseTime ewma.Tracker
	lastUsed        time.Time
	observations    int
}

func newModelInfo(name string, tier ModelTier) *ModelInfo {
	return &ModelInfo{Name: name, Tier: tier}
}

// persistedStats is the subset of a ModelInfo's rolling stats that survives a
// process restart via StatsStore.
type persistedStats struct {
	Name            string
	Tier            ModelTier
	SuccessRate     float64
	AvgResponseTime float64
	Observations    int
	LastUsed        time.Time
}

func (m *ModelInfo) snapshot() persistedStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return persistedStats{
		Name:            m.Name,
		Tier:            m.Tier,
		SuccessRate:     m.successRate.Value(),
		AvgResponseTime: m.avgResponseTime.Value(),
		Observations:    m.observations,
		LastUsed:        m.lastUsed,
	}
}

func restoreModelInfo(p persistedStats) *ModelInfo {
	info := newModelInfo(p.Name, p.Tier)
	info.successRate.Seed(p.SuccessRate, p.Observations)
	info.avgResponseTime.Seed(p.AvgResponseTime, p.Observations)
	info.lastUsed = p.LastUsed
	info.observations = p.Observations
	return info
}

func (m *ModelInfo) recordOutcome(success bool, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	successVal := 0.0
	if success {
		successVal = 1.0
	}
	m.successRate.Update(successVal)
	m.avgResponseTime.Update(elapsed.Seconds())
	m.lastUsed = time.Now()
	m.observations++
}

// score computes the composite selection score: 0.4 success-rate weight,
// 0.3 inverse response-time weight, 0.3 inverse recency weight.
func (m *ModelInfo) score(now time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	successRate := m.successRate.Value()
	if m.observations == 0 {
		successRate = 0.5 // neutral prior for a never-used model
	}
	avgResponseTime := m.avgResponseTime.Value()

	secondsSinceUse := 3600.0 // treat a never-used model as an hour stale
	if !m.lastUsed.IsZero() {
		secondsSinceUse = now.Sub(m.lastUsed).Seconds()
		if secondsSinceUse < 0 {
			secondsSinceUse = 0
		}
	}

	return successRate*0.4 +
		(1.0/(avgResponseTime+1.0))*0.3 +
		(1.0/(secondsSinceUse+1.0))*0.3
}

var (
	// ErrNoModelsAvailable is returned when the catalog is empty and no
	// default model fallback can be reached.
	ErrNoModelsAvailable = errors.New("modelmanager: no models available")
)

const (
	selectionCacheTTL  = 60 * time.Second
	catalogRetryBase   = 200 * time.Millisecond
	catalogRetryMax    = 3
)

// Manager owns catalog discovery, model selection, and generation dispatch.
// It holds no global state: callers construct one per process and pass it
// through explicitly, per the "no global singletons" design note.
type Manager struct {
	backend      Backend
	log          zerolog.Logger
	defaultModel string
	preferred    map[string][]string // quality tier -> ordered preferred model names

	mu       sync.RWMutex
	catalog  map[string]*ModelInfo
	degraded bool

	selectionMu    sync.Mutex
	selectionCache map[string]selectionCacheEntry

	loadGroup singleflight.Group

	cronSched *cron.Cron
	stats     *StatsStore
}

type selectionCacheEntry struct {
	model     string
	expiresAt time.Time
}

// New constructs a Manager. defaultModel is the emergency fallback used when
// the catalog is empty and selection would otherwise fail outright.
func New(backend Backend, log zerolog.Logger, defaultModel string) *Manager {
	return &Manager{
		backend:      backend,
		log:          log,
		defaultModel: defaultModel,
		preferred: map[string][]string{
			"premium":  {"claude-sonnet-4-5-20250929", "gpt-4o"},
			"high":     {"gpt-4o", "claude-3-5-sonnet-20241022"},
			"balanced": {"gpt-4o-mini", "gemini-1.5-flash"},
			"minimal":  {"gemini-1.5-flash", "llama2:7b-chat"},
		},
		catalog:        make(map[string]*ModelInfo),
		selectionCache: make(map[string]selectionCacheEntry),
	}
}

// WithStatsStore attaches a StatsStore to the manager and loads whatever
// per-model stats it already holds, so SelectOptimalModel's scoring resumes
// from where the last process left off instead of a cold neutral prior. It
// should be called once, right after New, before DiscoverCatalog.
func (m *Manager) WithStatsStore(ctx context.Context, stats *StatsStore) (*Manager, error) {
	loaded, err := stats.Load(ctx)
	if err != nil {
		return m, fmt.Errorf("load persisted model stats: %w", err)
	}

	m.mu.Lock()
	for name, p := range loaded {
		m.catalog[name] = restoreModelInfo(p)
	}
	m.mu.Unlock()

	m.stats = stats
	return m, nil
}

// persistStats saves model's current snapshot if a StatsStore is attached.
// Persistence failures are logged and otherwise swallowed: a missed write
// only costs the next process a slightly colder prior for that model.
func (m *Manager) persistStats(model string) {
	if m.stats == nil {
		return
	}
	m.mu.RLock()
	info, ok := m.catalog[model]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.stats.Save(ctx, info.snapshot()); err != nil {
		m.log.Warn().Err(err).Str("model", model).Msg("failed to persist model stats")
	}
}

// DiscoverCatalog refreshes the known model catalog from the backend,
// retrying up to catalogRetryMax times with exponential backoff. On
// exhaustion it marks the manager degraded but keeps whatever catalog it
// already had (a stale catalog beats no catalog).
func (m *Manager) DiscoverCatalog(ctx context.Context) error {
	var entries []CatalogEntry

	op := func() error {
		var err error
		entries, err = m.backend.ListModels(ctx)
		return err
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(catalogRetryBase),
	), catalogRetryMax)

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.degraded = true
		m.log.Warn().Err(err).Msg("catalog discovery degraded, keeping stale catalog")
		return err
	}

	m.degraded = false
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.Name] = struct{}{}
		if _, ok := m.catalog[e.Name]; !ok {
			m.catalog[e.Name] = newModelInfo(e.Name, e.Tier)
		}
	}
	for name := range m.catalog {
		if _, ok := seen[name]; !ok {
			delete(m.catalog, name)
		}
	}
	return nil
}

// Degraded reports whether the last catalog discovery failed and the
// manager is operating on a stale or empty catalog.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// SelectOptimalModel picks a model for the given quality requirement,
// excluding any names in exclude. Precedence: 60s selection cache keyed by
// (quality, excludes) -> preferred-table lookup against the live catalog ->
// composite-score scan over the whole catalog -> emergency default.
func (m *Manager) SelectOptimalModel(ctx context.Context, quality string, exclude ...string) (string, error) {
	cacheKey := quality + "|" + joinExclude(exclude)

	m.selectionMu.Lock()
	if entry, ok := m.selectionCache[cacheKey]; ok && time.Now().Before(entry.expiresAt) {
		m.selectionMu.Unlock()
		return entry.model, nil
	}
	m.selectionMu.Unlock()

	excluded := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		excluded[e] = struct{}{}
	}

	m.mu.RLock()
	catalogSnapshot := make(map[string]*ModelInfo, len(m.catalog))
	for k, v := range m.catalog {
		catalogSnapshot[k] = v
	}
	m.mu.RUnlock()

	model := ""

	for _, candidate := range m.preferred[quality] {
		if _, skip := excluded[candidate]; skip {
			continue
		}
		if _, ok := catalogSnapshot[candidate]; ok {
			model = candidate
			break
		}
	}

	if model == "" {
		model = m.bestByScore(catalogSnapshot, excluded)
	}

	if model == "" {
		if _, skip := excluded[m.defaultModel]; !skip && m.defaultModel != "" {
			model = m.defaultModel
		}
	}

	if model == "" {
		return "", ErrNoModelsAvailable
	}

	m.selectionMu.Lock()
	m.selectionCache[cacheKey] = selectionCacheEntry{model: model, expiresAt: time.Now().Add(selectionCacheTTL)}
	m.selectionMu.Unlock()

	return model, nil
}

func (m *Manager) bestByScore(catalog map[string]*ModelInfo, excluded map[string]struct{}) string {
	now := time.Now()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		if _, skip := excluded[name]; skip {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names) // deterministic tie-break order

	best := ""
	bestScore := -1.0
	for _, name := range names {
		score := catalog[name].score(now)
		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	return best
}

// EnsureLoaded loads model into the backend if needed, deduplicating
// concurrent loads of the same model via singleflight.
func (m *Manager) EnsureLoaded(ctx context.Context, model string) error {
	_, err, _ := m.loadGroup.Do(model, func() (interface{}, error) {
		return nil, m.backend.EnsureLoaded(ctx, model)
	})
	return err
}

// Generate loads model if necessary and runs one generation call, updating
// the model's rolling performance stats from the outcome.
func (m *Manager) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (GenerateResult, error) {
	if err := m.EnsureLoaded(ctx, model); err != nil {
		m.recordOutcome(model, false, 0)
		return GenerateResult{}, err
	}

	start := time.Now()
	result, err := m.backend.Generate(ctx, model, prompt, opts)
	elapsed := time.Since(start)
	if result.Elapsed == 0 {
		result.Elapsed = elapsed
	}

	m.recordOutcome(model, err == nil, result.Elapsed)
	return result, err
}

func (m *Manager) recordOutcome(model string, success bool, elapsed time.Duration) {
	m.mu.Lock()
	info, ok := m.catalog[model]
	if !ok {
		info = newModelInfo(model, TierLocal)
		m.catalog[model] = info
	}
	m.mu.Unlock()
	info.recordOutcome(success, elapsed)
	m.persistStats(model)
}

// StartBackgroundRefresh schedules periodic catalog discovery at interval
// using a cron expression equivalent to "every interval", continuing until
// Shutdown is called.
func (m *Manager) StartBackgroundRefresh(ctx context.Context, interval time.Duration) error {
	m.cronSched = cron.New()
	spec := "@every " + interval.String()
	_, err := m.cronSched.AddFunc(spec, func() {
		if err := m.DiscoverCatalog(ctx); err != nil {
			m.log.Warn().Err(err).Msg("background catalog refresh failed")
		}
	})
	if err != nil {
		return err
	}
	m.cronSched.Start()
	return nil
}

// Shutdown stops the background refresh scheduler, if running, and closes
// the attached StatsStore, if any.
func (m *Manager) Shutdown() {
	if m.cronSched != nil {
		ctx := m.cronSched.Stop()
		<-ctx.Done()
	}
	if m.stats != nil {
		if err := m.stats.Close(); err != nil {
			m.log.Warn().Err(err).Msg("failed to close model stats store")
		}
	}
}

func joinExclude(exclude []string) string {
	if len(exclude) == 0 {
		return ""
	}
	sorted := append([]string(nil), exclude...)
	sort.Strings(sorted)
	out := sorted[0]
	for _, e := range sorted[1:] {
		out += "," + e
	}
	return out
}
