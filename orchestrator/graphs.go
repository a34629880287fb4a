package orchestrator

import (
	"github.com/corvid-run/orchestrator/graph"
	"github.com/corvid-run/orchestrator/graph/emit"
	"github.com/corvid-run/orchestrator/graph/store"
)

// newEngine builds a graph.Engine[ExecutionState] wired to an in-memory
// store and the given emitter (store.NewMemStore + graph.New). metrics may
// be nil, in which case the engine records no Prometheus metrics.
func newEngine(emitter emit.Emitter, maxSteps int, metrics *graph.PrometheusMetrics) *graph.Engine[ExecutionState] {
	st := store.NewMemStore[ExecutionState]()
	opts := graph.Options{MaxSteps: maxSteps, Metrics: metrics}
	return graph.New(Reduce, st, emitter, opts)
}
