// Package collaborators declares the narrow interfaces the orchestrator
// core calls out to (cache, external search, analytics) along with no-op
// defaults for tests and deployments that don't wire a real implementation.
package collaborators

import (
	"context"
	"time"
)

// Cache is a best-effort short-TTL key/value store, used to memoize search
// results and model selections. A miss is never an error.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// SearchResult is one hit from an external search provider.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// ExternalSearchProvider performs web search and page scraping on behalf of
// the Search Graph's brave-search and content-enhancement nodes.
type ExternalSearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
	Scrape(ctx context.Context, url string) (string, error)
}

// AnalyticsSink records run-level events for offline analysis. It is
// explicitly non-blocking and best-effort: a failure here must never fail
// the run that triggered it.
type AnalyticsSink interface {
	Record(ctx context.Context, event string, fields map[string]interface{})
}

// NoopCache always misses and never errors, grounded on emit.NullEmitter's
// no-op pattern.
type NoopCache struct{}

func (NoopCache) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (NoopCache) Set(ctx context.Context, key, value string, ttl time.Duration) error { return nil }

// NoopSearchProvider returns no results and no content; a deployment with
// no search credentials configured still gets a defined, harmless behavior.
type NoopSearchProvider struct{}

func (NoopSearchProvider) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	return nil, nil
}

func (NoopSearchProvider) Scrape(ctx context.Context, url string) (string, error) {
	return "", nil
}

// NoopAnalyticsSink discards every event.
type NoopAnalyticsSink struct{}

func (NoopAnalyticsSink) Record(ctx context.Context, event string, fields map[string]interface{}) {}
