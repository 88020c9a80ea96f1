package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/credits"
	"github.com/saleskingacademy/agentpool/internal/metrics"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/registry"
	"github.com/saleskingacademy/agentpool/internal/store"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrNoAgentAvailable = errors.New("no agent available")
)

const maxDescriptionLen = 16 << 10

// ValidationError names the submission field that was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type Submission struct {
	Description string `json:"description"`
	Type        string `json:"type"`
	Priority    int    `json:"priority,omitempty"`
}

func (s *Submission) Validate() error {
	s.Description = strings.TrimSpace(s.Description)
	s.Type = strings.TrimSpace(s.Type)
	switch {
	case s.Description == "":
		return &ValidationError{Field: "description", Message: "is required"}
	case len(s.Description) > maxDescriptionLen:
		return &ValidationError{Field: "description", Message: fmt.Sprintf("exceeds %d bytes", maxDescriptionLen)}
	case s.Type == "":
		return &ValidationError{Field: "type", Message: "is required"}
	case s.Priority < 0:
		return &ValidationError{Field: "priority", Message: "must not be negative"}
	}
	return nil
}

// Executor runs an assigned task to completion.
type Executor interface {
	Execute(ctx context.Context, taskID string) (*store.Task, error)
}

type Dispatcher struct {
	registry *registry.Registry
	store    *store.Store
	strategy Strategy
	cfg      config.DispatchConfig

	events   natsbus.Publisher
	credits  *credits.Feed
	metrics  *metrics.Recorder
	executor Executor
	wg       sync.WaitGroup
}

func New(reg *registry.Registry, s *store.Store, strategy Strategy, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		store:    s,
		strategy: strategy,
		cfg:      cfg,
	}
}

func (d *Dispatcher) SetEvents(p natsbus.Publisher) { d.events = p }

func (d *Dispatcher) SetCredits(f *credits.Feed) { d.credits = f }

func (d *Dispatcher) SetMetrics(m *metrics.Recorder) { d.metrics = m }

// SetExecutor enables hand-off of assigned tasks when auto_execute is on.
func (d *Dispatcher) SetExecutor(e Executor) { d.executor = e }

// Select returns the best idle agent for a task type without claiming it.
func (d *Dispatcher) Select(ctx context.Context, taskType string) (*store.Agent, error) {
	candidates, err := d.registry.Candidates(ctx, taskType)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	ranked := d.strategy.Rank(taskType, candidates)
	if len(ranked) == 0 {
		return nil, ErrNoAgentAvailable
	}
	return &ranked[0], nil
}

// Submit validates a submission and delegates it. Only validation and
// infrastructure errors are returned; an unassignable task comes back as a
// FAILED record.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*store.Task, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return d.Delegate(ctx, sub.Description, sub.Type, sub.Priority)
}

// Delegate creates a task and assigns it to the best idle agent. A lost claim
// moves on to the next-best candidate, up to max_assign_attempts; when no
// agent can be claimed the task is closed FAILED with no_agent_available, and
// any other claim error closes it FAILED with dispatch_error.
func (d *Dispatcher) Delegate(ctx context.Context, description, taskType string, priority int) (*store.Task, error) {
	task := &store.Task{
		ID:          uuid.New().String(),
		Description: description,
		Type:        taskType,
		Priority:    priority,
	}
	plan, err := d.plan(taskType, priority)
	if err != nil {
		return nil, err
	}
	task.ExecutionPlan = plan

	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	d.emit(natsbus.Event{Type: natsbus.EventTaskCreated, TaskID: task.ID, TaskType: taskType, Status: string(store.TaskCreated)})

	agentID, err := d.assign(ctx, task)
	// The task row exists now; close it even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	switch {
	case errors.Is(err, ErrNoAgentAvailable):
		return d.failUnassigned(ctx, task, store.ReasonNoAgentAvailable)
	case errors.Is(err, store.ErrInvalidTransition):
		// Cancelled before an agent could be claimed.
		return d.store.GetTask(ctx, task.ID)
	case err != nil:
		slog.Error("assign task failed", "task", task.ID, "type", taskType, "error", err)
		return d.failUnassigned(ctx, task, store.ReasonDispatchError)
	}

	slog.Info("task assigned", "task", task.ID, "type", taskType, "agent", agentID)
	d.metrics.ObserveDelegation(taskType, "assigned")
	d.emit(natsbus.Event{Type: natsbus.EventTaskAssigned, TaskID: task.ID, AgentID: agentID, TaskType: taskType, Status: string(store.TaskInProgress)})

	// Read back before the hand-off so the caller sees the task as assigned.
	assigned, err := d.store.GetTask(ctx, task.ID)
	if err != nil {
		slog.Warn("read assigned task failed", "task", task.ID, "error", err)
		assigned = task
		assigned.Status = store.TaskInProgress
		assigned.AssignedAgent = agentID
	}

	if d.cfg.AutoExecute && d.executor != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if _, err := d.executor.Execute(ctx, task.ID); err != nil {
				slog.Error("execute task failed", "task", task.ID, "error", err)
			}
		}()
	}
	return assigned, nil
}

func (d *Dispatcher) assign(ctx context.Context, task *store.Task) (string, error) {
	tried := make(map[string]bool)
	for attempt := 1; attempt <= d.cfg.MaxAssignAttempts; attempt++ {
		candidates, err := d.registry.Candidates(ctx, task.Type)
		if err != nil {
			return "", fmt.Errorf("list candidates: %w", err)
		}
		fresh := candidates[:0]
		for _, c := range candidates {
			if !tried[c.ID] {
				fresh = append(fresh, c)
			}
		}
		ranked := d.strategy.Rank(task.Type, fresh)
		if len(ranked) == 0 {
			return "", ErrNoAgentAvailable
		}

		agentID := ranked[0].ID
		err = d.registry.MarkBusy(ctx, agentID, task.ID)
		if err == nil {
			if c, ok := d.strategy.(Claimer); ok {
				c.Claimed(task.Type, agentID)
			}
			return agentID, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("claim agent %s: %w", agentID, err)
		}
		slog.Debug("agent claim lost", "task", task.ID, "agent", agentID, "attempt", attempt)
		d.metrics.IncConflict()
		tried[agentID] = true
	}
	return "", ErrNoAgentAvailable
}

// failUnassigned closes a task that never got an agent. A task cancelled in
// the meantime is returned as it is.
func (d *Dispatcher) failUnassigned(ctx context.Context, task *store.Task, reason string) (*store.Task, error) {
	failed, err := d.store.FailUnassigned(ctx, task.ID, reason, time.Now())
	if errors.Is(err, store.ErrInvalidTransition) {
		return d.store.GetTask(ctx, task.ID)
	}
	if err != nil {
		return nil, err
	}
	slog.Warn("task not assigned", "task", task.ID, "type", task.Type, "reason", reason)
	d.metrics.ObserveDelegation(task.Type, reason)
	d.metrics.ObserveTask(string(store.TaskFailed), reason, 0)
	d.emit(natsbus.Event{Type: natsbus.EventTaskFailed, TaskID: task.ID, TaskType: task.Type,
		Status: string(store.TaskFailed), Reason: reason})
	return failed, nil
}

type executionPlan struct {
	Type     string   `json:"type"`
	Priority int      `json:"priority"`
	Strategy string   `json:"strategy"`
	Route    []string `json:"route"`
	Fallback bool     `json:"fallback,omitempty"`
	Steps    []string `json:"steps"`
}

func (d *Dispatcher) plan(taskType string, priority int) (string, error) {
	route := d.registry.Route(taskType)
	p := executionPlan{
		Type:     taskType,
		Priority: priority,
		Strategy: d.strategy.Name(),
		Route:    route,
		Fallback: d.registry.UsesFallback(taskType),
		Steps:    []string{"review brief", "produce deliverable", "summarize outcome"},
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	return string(data), nil
}

func (d *Dispatcher) emit(ev natsbus.Event) {
	if d.events == nil {
		return
	}
	ev.Credits = d.credits.Credits()
	natsbus.Emit(d.events, ev)
}

// Wait blocks until background executions started by Delegate finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
