package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/saleskingacademy/agentpool/internal/collaborator"
	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/credits"
	"github.com/saleskingacademy/agentpool/internal/metrics"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/registry"
	"github.com/saleskingacademy/agentpool/internal/store"
)

var ErrNotFound = store.ErrNotFound

// Coordinator runs assigned tasks through the collaborator and closes them.
type Coordinator struct {
	registry *registry.Registry
	store    *store.Store
	collab   collaborator.Collaborator
	cfg      config.DispatchConfig
	timeout  time.Duration

	events  natsbus.Publisher
	credits *credits.Feed
	metrics *metrics.Recorder

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func New(reg *registry.Registry, s *store.Store, collab collaborator.Collaborator, cfg config.DispatchConfig, timeout time.Duration) *Coordinator {
	return &Coordinator{
		registry: reg,
		store:    s,
		collab:   collab,
		cfg:      cfg,
		timeout:  timeout,
		inflight: make(map[string]chan struct{}),
	}
}

func (c *Coordinator) SetEvents(p natsbus.Publisher) { c.events = p }

func (c *Coordinator) SetCredits(f *credits.Feed) { c.credits = f }

func (c *Coordinator) SetMetrics(m *metrics.Recorder) { c.metrics = m }

// Execute advances an IN_PROGRESS task to a terminal state. Tasks in any other
// state are returned as they are. A task already executing in this process is
// awaited instead of being run twice.
func (c *Coordinator) Execute(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TaskInProgress {
		return t, nil
	}

	done, owner := c.acquire(taskID)
	if !owner {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.store.GetTask(ctx, taskID)
	}
	defer c.release(taskID, done)

	// Another execution may have closed the task before we registered.
	t, err = c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TaskInProgress {
		return t, nil
	}
	return c.run(ctx, t)
}

// Executing reports whether this process is running the task right now.
func (c *Coordinator) Executing(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[taskID]
	return ok
}

func (c *Coordinator) acquire(taskID string) (chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if done, ok := c.inflight[taskID]; ok {
		return done, false
	}
	done := make(chan struct{})
	c.inflight[taskID] = done
	return done, true
}

func (c *Coordinator) release(taskID string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, taskID)
	close(done)
}

func (c *Coordinator) run(ctx context.Context, t *store.Task) (*store.Task, error) {
	prompt := collaborator.Prompt{
		Persona: c.registry.Persona(t.AssignedAgent),
		Content: promptContent(t),
	}

	// The call outlives the caller's request but never the timeout.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	text, genErr := c.collab.Generate(callCtx, prompt)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	if genErr == nil && strings.TrimSpace(text) == "" {
		genErr = &collaborator.Error{Kind: collaborator.KindMalformed, Message: "empty result"}
	}

	// Persist the outcome even if the caller went away.
	ctx = context.WithoutCancel(ctx)

	current, err := c.store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != store.TaskInProgress {
		slog.Warn("task closed during execution", "task", t.ID, "status", current.Status)
		return current, nil
	}

	f := store.Finalization{
		TaskID:      t.ID,
		AgentID:     t.AssignedAgent,
		CompletedAt: time.Now(),
	}
	switch {
	case current.CancelRequested:
		f.Status = store.TaskCancelled
		f.Reason = store.ReasonCancelled
	case genErr != nil:
		f.Status = store.TaskFailed
		f.Reason = failureReason(genErr, timedOut)
		f.ScoreDelta = -c.cfg.FailurePenalty
		slog.Warn("collaborator failed", "task", t.ID, "agent", t.AssignedAgent, "reason", f.Reason, "error", genErr)
	default:
		f.Status = store.TaskCompleted
		f.Result = text
		f.ScoreDelta = c.cfg.SuccessIncrement
		f.Completed = 1
	}

	closed, err := c.registry.MarkIdle(ctx, f)
	if errors.Is(err, store.ErrInvalidTransition) {
		return c.store.GetTask(ctx, t.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("finalize task %s: %w", t.ID, err)
	}

	slog.Info("task finished", "task", closed.ID, "agent", closed.AssignedAgent, "status", closed.Status, "duration_ms", closed.DurationMS)
	c.metrics.ObserveTask(string(closed.Status), closed.Reason, time.Duration(closed.DurationMS)*time.Millisecond)
	c.emit(natsbus.Event{
		Type:     eventType(closed.Status),
		TaskID:   closed.ID,
		AgentID:  closed.AssignedAgent,
		TaskType: closed.Type,
		Status:   string(closed.Status),
		Reason:   closed.Reason,
	})
	return closed, nil
}

// Cancel cancels a CREATED task at once. For an IN_PROGRESS task it records
// the request; the result is discarded when the collaborator returns.
// Terminal tasks fail with store.ErrInvalidTransition.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := c.store.RequestCancel(ctx, taskID, time.Now())
	if err != nil {
		return nil, err
	}
	if t.Status == store.TaskCancelled {
		slog.Info("task cancelled", "task", t.ID)
		c.metrics.ObserveTask(string(t.Status), t.Reason, 0)
		c.emit(natsbus.Event{Type: natsbus.EventTaskCancelled, TaskID: t.ID, TaskType: t.Type, Status: string(t.Status), Reason: t.Reason})
	} else {
		slog.Info("cancellation requested", "task", t.ID, "agent", t.AssignedAgent)
	}
	return t, nil
}

// Expire fails an IN_PROGRESS task whose lease ran out and frees its agent.
// The agent's score is left alone. Tasks executing in this process are
// skipped and reported as not expired.
func (c *Coordinator) Expire(ctx context.Context, t store.Task) (bool, error) {
	if c.Executing(t.ID) {
		return false, nil
	}
	closed, err := c.registry.MarkIdle(ctx, store.Finalization{
		TaskID:      t.ID,
		AgentID:     t.AssignedAgent,
		Status:      store.TaskFailed,
		Reason:      store.ReasonLeaseExpired,
		CompletedAt: time.Now(),
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	slog.Warn("task lease expired", "task", closed.ID, "agent", closed.AssignedAgent)
	c.metrics.ObserveTask(string(closed.Status), closed.Reason, time.Duration(closed.DurationMS)*time.Millisecond)
	c.emit(natsbus.Event{Type: natsbus.EventTaskFailed, TaskID: closed.ID, AgentID: closed.AssignedAgent,
		TaskType: closed.Type, Status: string(closed.Status), Reason: closed.Reason})
	return true, nil
}

func (c *Coordinator) emit(ev natsbus.Event) {
	if c.events == nil {
		return
	}
	ev.Credits = c.credits.Credits()
	natsbus.Emit(c.events, ev)
}

func promptContent(t *store.Task) string {
	var b strings.Builder
	b.WriteString(t.Description)
	fmt.Fprintf(&b, "\n\nTask type: %s\nPriority: %d\n", t.Type, t.Priority)
	if t.ExecutionPlan != "" {
		fmt.Fprintf(&b, "Execution plan: %s\n", t.ExecutionPlan)
	}
	return b.String()
}

func failureReason(err error, timedOut bool) string {
	if timedOut {
		return store.ReasonCollaboratorTimeout
	}
	switch collaborator.Classify(err).Kind {
	case collaborator.KindTimeout:
		return store.ReasonCollaboratorTimeout
	case collaborator.KindMalformed:
		return store.ReasonMalformedResponse
	default:
		return store.ReasonCollaboratorError
	}
}

func eventType(s store.TaskStatus) string {
	switch s {
	case store.TaskCompleted:
		return natsbus.EventTaskCompleted
	case store.TaskCancelled:
		return natsbus.EventTaskCancelled
	default:
		return natsbus.EventTaskFailed
	}
}
