package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAgentTask_IsReady(t *testing.T) {
	task := NewAgentTask("t2", AnalysisAgent, "analyze", "t1")

	if task.IsReady(map[string]bool{}) {
		t.Error("task with an unmet dependency should not be ready")
	}
	if !task.IsReady(map[string]bool{"t1": true}) {
		t.Error("task with its dependency satisfied should be ready")
	}
}

func TestAgentTask_CanRetry(t *testing.T) {
	task := NewAgentTask("t1", ResearchAgent, "research")
	if !task.CanRetry() {
		t.Error("a fresh task should have retry budget")
	}

	task.RetryCount = task.MaxRetries
	if task.CanRetry() {
		t.Error("a task at its retry limit should not be able to retry")
	}
}

func TestScheduler_RunsIndependentTasksConcurrently(t *testing.T) {
	var mu sync.Mutex
	var executed []string

	exec := func(ctx context.Context, task *AgentTask) (map[string]interface{}, error) {
		mu.Lock()
		executed = append(executed, task.TaskID)
		mu.Unlock()
		return map[string]interface{}{"ok": true}, nil
	}

	tasks := []*AgentTask{
		NewAgentTask("a", ResearchAgent, "a"),
		NewAgentTask("b", ResearchAgent, "b"),
	}

	s := New(exec, zerolog.Nop(), 4)
	finished, err := s.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, task := range finished {
		if task.Status() != StatusCompleted {
			t.Errorf("task %s status = %s, want completed", task.TaskID, task.Status())
		}
	}
	if len(executed) != 2 {
		t.Errorf("executed %d tasks, want 2", len(executed))
	}
}

func TestScheduler_RespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	exec := func(ctx context.Context, task *AgentTask) (map[string]interface{}, error) {
		mu.Lock()
		order = append(order, task.TaskID)
		mu.Unlock()
		return nil, nil
	}

	tasks := []*AgentTask{
		NewAgentTask("child", SynthesisAgent, "synthesize", "parent"),
		NewAgentTask("parent", ResearchAgent, "research"),
	}

	s := New(exec, zerolog.Nop(), 1)
	if _, err := s.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(order) != 2 || order[0] != "parent" || order[1] != "child" {
		t.Errorf("execution order = %v, want [parent child]", order)
	}
}

func TestScheduler_RetriesFailingTaskUpToMaxRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	exec := func(ctx context.Context, task *AgentTask) (map[string]interface{}, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("transient failure")
	}

	task := NewAgentTask("flaky", CodeAgent, "generate code")
	task.MaxRetries = 2

	s := New(exec, zerolog.Nop(), 1)
	finished, err := s.Run(context.Background(), []*AgentTask{task})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if finished[0].Status() != StatusFailed {
		t.Errorf("status = %s, want failed after exhausting retries", finished[0].Status())
	}
	if attempts != 3 { // one initial attempt + 2 retries
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestScheduler_DetectsDeadlock(t *testing.T) {
	exec := func(ctx context.Context, task *AgentTask) (map[string]interface{}, error) {
		return nil, nil
	}

	tasks := []*AgentTask{
		NewAgentTask("a", ResearchAgent, "a", "b"),
		NewAgentTask("b", ResearchAgent, "b", "a"),
	}

	s := New(exec, zerolog.Nop(), 2)
	_, err := s.Run(context.Background(), tasks)
	if !errors.Is(err, ErrDeadlock) {
		t.Errorf("err = %v, want ErrDeadlock for a circular dependency", err)
	}
}

func TestScheduler_PriorityOrdersReadyWave(t *testing.T) {
	low := NewAgentTask("low", ResearchAgent, "low")
	low.Priority = PriorityLow
	high := NewAgentTask("high", ResearchAgent, "high")
	high.Priority = PriorityCritical

	s := New(nil, zerolog.Nop(), 1)
	wave := s.readyWave([]*AgentTask{low, high}, map[string]bool{})

	if len(wave) != 2 || wave[0].TaskID != "high" {
		t.Errorf("readyWave order = %v, want high before low", taskIDs(wave))
	}
}

func taskIDs(tasks []*AgentTask) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	return ids
}

func TestScheduler_ContextCancellationStopsRun(t *testing.T) {
	exec := func(ctx context.Context, task *AgentTask) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	task := NewAgentTask("slow", ResearchAgent, "slow")
	s := New(exec, zerolog.Nop(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx, []*AgentTask{task})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}
