// Package scheduler implements the Multi-Agent Scheduler: a wave-based
// concurrent dispatcher over a dependency graph of agent tasks.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AgentType names the kind of work a task performs.
type AgentType string

const (
	ResearchAgent     AgentType = "research_agent"
	AnalysisAgent     AgentType = "analysis_agent"
	SynthesisAgent    AgentType = "synthesis_agent"
	FactCheckAgent    AgentType = "fact_check_agent"
	CodeAgent         AgentType = "code_agent"
	CreativeAgent     AgentType = "creative_agent"
	PlanningAgent     AgentType = "planning_agent"
	CoordinationAgent AgentType = "coordination_agent"
)

// TaskPriority orders dispatch within a wave; higher runs first.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityNormal   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

// AgentStatus is a task's lifecycle state.
type AgentStatus string

const (
	StatusIdle      AgentStatus = "idle"
	StatusWorking   AgentStatus = "working"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusWaiting   AgentStatus = "waiting"
	StatusBlocked   AgentStatus = "blocked"
)

// AgentTask is one unit of scheduled work.
type AgentTask struct {
	TaskID       string
	AgentType    AgentType
	TaskType     string
	Description  string
	InputData    map[string]interface{}
	Dependencies []string
	Priority     TaskPriority
	Timeout      time.Duration
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	UpdatedAt    time.Time

	mu     sync.Mutex
	status AgentStatus
	result map[string]interface{}
	err    error
}

// NewAgentTask constructs a task ready to be scheduled, defaulting
// MaxRetries to 2 and Timeout to 300s.
func NewAgentTask(id string, agentType AgentType, description string, deps ...string) *AgentTask {
	now := zeroTime()
	return &AgentTask{
		TaskID:       id,
		AgentType:    agentType,
		Description:  description,
		Dependencies: deps,
		Priority:     PriorityNormal,
		Timeout:      300 * time.Second,
		MaxRetries:   2,
		CreatedAt:    now,
		UpdatedAt:    now,
		status:       StatusIdle,
	}
}

func zeroTime() time.Time { return time.Time{} }

// Status returns the task's current status.
func (t *AgentTask) Status() AgentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the task's recorded result and error, if any.
func (t *AgentTask) Result() (map[string]interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// IsReady reports whether every dependency of t is present in completed.
func (t *AgentTask) IsReady(completed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// CanRetry reports whether the task has retry budget remaining.
func (t *AgentTask) CanRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.RetryCount < t.MaxRetries
}

func (t *AgentTask) setStatus(s AgentStatus) {
	t.mu.Lock()
	t.status = s
	t.UpdatedAt = time.Now()
	t.mu.Unlock()
}

func (t *AgentTask) setResult(result map[string]interface{}, err error) {
	t.mu.Lock()
	t.result = result
	t.err = err
	t.UpdatedAt = time.Now()
	t.mu.Unlock()
}

// Executor runs one agent task and returns its result.
type Executor func(ctx context.Context, task *AgentTask) (map[string]interface{}, error)

// ErrDeadlock is returned when no task is ready to run but some remain
// unfinished, meaning the dependency graph has a cycle or names a task that
// never completes.
var ErrDeadlock = errors.New("scheduler: deadlock, unresolved task dependencies")

// Scheduler dispatches a dependency graph of AgentTasks in priority-ordered
// concurrent waves: compute the ready set, dispatch it concurrently, wait
// for the wave to finish, then re-evaluate readiness.
type Scheduler struct {
	executor    Executor
	log         zerolog.Logger
	maxParallel int
}

// New constructs a Scheduler. maxParallel <= 0 means unbounded concurrency
// within a wave.
func New(executor Executor, log zerolog.Logger, maxParallel int) *Scheduler {
	return &Scheduler{executor: executor, log: log, maxParallel: maxParallel}
}

// Run executes tasks to completion or failure, respecting dependencies and
// priority ordering within each wave. It returns once every task has
// reached a terminal status (Completed or Failed), the context is canceled,
// or a deadlock is detected.
func (s *Scheduler) Run(ctx context.Context, tasks []*AgentTask) ([]*AgentTask, error) {
	byID := make(map[string]*AgentTask, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	for {
		select {
		case <-ctx.Done():
			return tasks, ctx.Err()
		default:
		}

		completed := make(map[string]bool)
		allTerminal := true
		for _, t := range tasks {
			st := t.Status()
			if st == StatusCompleted {
				completed[t.TaskID] = true
			}
			if st != StatusCompleted && st != StatusFailed {
				allTerminal = false
			}
		}
		if allTerminal {
			return tasks, nil
		}

		wave := s.readyWave(tasks, completed)
		if len(wave) == 0 {
			return tasks, ErrDeadlock
		}

		if err := s.dispatchWave(ctx, wave); err != nil {
			return tasks, err
		}
	}
}

// readyWave returns the tasks ready to run, sorted highest-priority first
// (ties broken by TaskID for determinism).
func (s *Scheduler) readyWave(tasks []*AgentTask, completed map[string]bool) []*AgentTask {
	var wave []*AgentTask
	for _, t := range tasks {
		st := t.Status()
		if (st == StatusIdle || st == StatusWaiting) && t.IsReady(completed) {
			wave = append(wave, t)
		}
	}
	sort.Slice(wave, func(i, j int) bool {
		if wave[i].Priority != wave[j].Priority {
			return wave[i].Priority > wave[j].Priority
		}
		return wave[i].TaskID < wave[j].TaskID
	})
	return wave
}

func (s *Scheduler) dispatchWave(ctx context.Context, wave []*AgentTask) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if s.maxParallel > 0 {
		group.SetLimit(s.maxParallel)
	}

	for _, task := range wave {
		task := task
		task.setStatus(StatusWorking)
		group.Go(func() error {
			taskCtx := groupCtx
			var cancel context.CancelFunc
			if task.Timeout > 0 {
				taskCtx, cancel = context.WithTimeout(groupCtx, task.Timeout)
				defer cancel()
			}

			result, err := s.executor(taskCtx, task)
			if err != nil {
				task.setResult(nil, err)
				if task.CanRetry() {
					task.mu.Lock()
					task.RetryCount++
					task.mu.Unlock()
					task.setStatus(StatusWaiting)
					s.log.Warn().Str("task_id", task.TaskID).Err(err).Int("retry", task.RetryCount).Msg("agent task retrying")
				} else {
					task.setStatus(StatusFailed)
					s.log.Error().Str("task_id", task.TaskID).Err(err).Msg("agent task failed")
				}
				return nil // a failed task does not cancel the whole scheduler run
			}

			task.setResult(result, nil)
			task.setStatus(StatusCompleted)
			return nil
		})
	}

	return group.Wait()
}
