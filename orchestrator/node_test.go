package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvid-run/orchestrator/graph"
)

func TestInstrumentedNode_Run_MergesDeltaAndRoutes(t *testing.T) {
	fn := func(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
		return ExecutionState{FinalResponse: "hi"}, graph.Goto("next_node"), nil
	}
	node := NewInstrumentedNode("greeter", fn, nil, time.Second)

	result := node.Run(context.Background(), NewExecutionState("hello", 1.0, QualityBalanced, time.Minute))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Route.To != "next_node" {
		t.Errorf("Route.To = %q, want next_node", result.Route.To)
	}
	if result.Delta.FinalResponse != "hi" {
		t.Errorf("Delta.FinalResponse = %q, want hi", result.Delta.FinalResponse)
	}
	if _, ok := result.Delta.ExecutionTimes["greeter"]; !ok {
		t.Error("expected an execution-time delta keyed by the node's id")
	}

	invocations, successRate, _ := node.Stats().Snapshot()
	if invocations != 1 || successRate != 1.0 {
		t.Errorf("Snapshot = (%d, %v), want (1, 1.0)", invocations, successRate)
	}
}

func TestInstrumentedNode_Run_ErrorForcesStopAndRecordsFailure(t *testing.T) {
	wantErr := errors.New("downstream unavailable")
	fn := func(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
		return ExecutionState{}, graph.Next{}, wantErr
	}
	node := NewInstrumentedNode("fetch", fn, nil, time.Second)

	result := node.Run(context.Background(), NewExecutionState("hello", 1.0, QualityBalanced, time.Minute))

	if !errors.Is(result.Err, wantErr) {
		t.Errorf("Err = %v, want %v", result.Err, wantErr)
	}
	if !result.Route.Terminal {
		t.Error("an error result must force a terminal route")
	}
	if len(result.Delta.Errors) != 1 {
		t.Fatalf("Errors = %v, want one entry", result.Delta.Errors)
	}
	if nodeResult := result.Delta.NodeResults["fetch"]; nodeResult.Success {
		t.Error("a failed run must record a non-success NodeResult")
	}

	_, successRate, _ := node.Stats().Snapshot()
	if successRate != 0 {
		t.Errorf("successRate = %v, want 0 after a failure", successRate)
	}
}

func TestInstrumentedNode_FatalOverridesRecoverable(t *testing.T) {
	fn := func(ctx context.Context, state ExecutionState) (ExecutionState, graph.Next, error) {
		return ExecutionState{}, graph.Next{}, NewError(ErrProvider, "rate limited", true, nil)
	}
	node := NewInstrumentedNode("call_model", fn, nil, time.Second)
	node.Fatal = true

	result := node.Run(context.Background(), NewExecutionState("hello", 1.0, QualityBalanced, time.Minute))

	if len(result.Delta.Errors) != 1 {
		t.Fatalf("Errors = %v, want one entry", result.Delta.Errors)
	}
	if result.Delta.Errors[0].Recoverable {
		t.Error("Fatal=true on the node should force Recoverable=false regardless of the error's own flag")
	}
}
