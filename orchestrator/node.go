package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/corvid-run/orchestrator/graph"
)

// RunFunc is the business logic of one orchestrator node: read the
// accumulated state, do work, and return a sparse delta plus routing.
type RunFunc func(ctx context.Context, state ExecutionState) (delta ExecutionState, route graph.Next, err error)

// nodeStats tracks per-node health counters the way a production service
// would for internal dashboards.
type nodeStats struct {
	mu           sync.Mutex
	invocations  int64
	successes    int64
	totalElapsed time.Duration
}

func (n *nodeStats) record(d time.Duration, success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invocations++
	n.totalElapsed += d
	if success {
		n.successes++
	}
}

// Snapshot reports invocation count, success rate, and mean execution time.
func (n *nodeStats) Snapshot() (invocations int64, successRate float64, meanElapsed time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.invocations == 0 {
		return 0, 0, 0
	}
	successRate = float64(n.successes) / float64(n.invocations)
	meanElapsed = n.totalElapsed / time.Duration(n.invocations)
	return n.invocations, successRate, meanElapsed
}

// InstrumentedNode adapts a RunFunc to graph.Node[ExecutionState], recording
// per-invocation timing/cost/confidence deltas and exposing a NodePolicy so
// the engine's built-in retry machinery applies uniformly (grounded on
// graph/engine.go's `Policy() NodePolicy` hook).
type InstrumentedNode struct {
	ID       string
	Fn       RunFunc
	Fatal    bool // true if this node's failures should never be retried
	policy   graph.NodePolicy
	stats    nodeStats
}

// NewInstrumentedNode wraps fn as a node named id with the given retry
// policy. A nil retry policy means the node is never retried by the engine.
func NewInstrumentedNode(id string, fn RunFunc, retry *graph.RetryPolicy, timeout time.Duration) *InstrumentedNode {
	return &InstrumentedNode{
		ID: id,
		Fn: fn,
		policy: graph.NodePolicy{
			Timeout:     timeout,
			RetryPolicy: retry,
		},
	}
}

// Policy implements the engine's optional per-node policy interface.
func (n *InstrumentedNode) Policy() graph.NodePolicy {
	return n.policy
}

// Stats exposes the node's running counters for diagnostics.
func (n *InstrumentedNode) Stats() *nodeStats {
	return &n.stats
}

// Run implements graph.Node[ExecutionState].
func (n *InstrumentedNode) Run(ctx context.Context, state ExecutionState) graph.NodeResult[ExecutionState] {
	start := time.Now()
	delta, route, err := n.Fn(ctx, state)
	elapsed := time.Since(start)

	n.stats.record(elapsed, err == nil)

	merged := Reduce(ExecutionState{}, TimeDelta(n.ID, elapsed))
	merged = Reduce(merged, delta)

	if err != nil {
		orchErr, ok := err.(*OrchestratorError)
		recoverable := !n.Fatal
		if ok {
			recoverable = orchErr.Recoverable && !n.Fatal
		}
		merged = Reduce(merged, ErrorDelta(n.ID, err.Error(), recoverable))
		merged = Reduce(merged, ResultDelta(n.ID, NodeResult{
			Success:       false,
			ExecutionTime: elapsed,
			Error:         err.Error(),
		}))
		return graph.NodeResult[ExecutionState]{Delta: merged, Err: err, Route: graph.Stop()}
	}

	return graph.NodeResult[ExecutionState]{Delta: merged, Route: route}
}
