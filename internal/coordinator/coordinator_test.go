package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saleskingacademy/agentpool/internal/collaborator"
	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/registry"
	"github.com/saleskingacademy/agentpool/internal/store"
)

type fixture struct {
	coord *Coordinator
	reg   *registry.Registry
	store *store.Store
	seq   int
}

func newFixture(t *testing.T, collab collaborator.Collaborator, timeout time.Duration, initial float64) *fixture {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		Agents: []config.AgentDefinition{
			{ID: "x", Name: "Xavier", Role: "Copywriter", Level: 7, Types: []string{"content"}, InitialScore: &initial},
		},
		Dispatch: config.DispatchConfig{SuccessIncrement: 1, FailurePenalty: 5},
	}
	reg := registry.New(s, cfg)
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return &fixture{
		coord: New(reg, s, collab, cfg.Dispatch, timeout),
		reg:   reg,
		store: s,
	}
}

// assign creates a task and claims x for it.
func (f *fixture) assign(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	f.seq++
	id := fmt.Sprintf("task-%d", f.seq)
	if err := f.store.CreateTask(ctx, &store.Task{ID: id, Description: "write copy", Type: "content"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.reg.MarkBusy(ctx, "x", id); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	return id
}

func (f *fixture) agent(t *testing.T) *store.Agent {
	t.Helper()
	a, err := f.reg.Get(context.Background(), "x")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	return a
}

func succeed(text string) collaborator.Func {
	return func(ctx context.Context, p collaborator.Prompt) (string, error) {
		return text, nil
	}
}

func TestExecuteSuccess(t *testing.T) {
	var prompt collaborator.Prompt
	f := newFixture(t, collaborator.Func(func(ctx context.Context, p collaborator.Prompt) (string, error) {
		prompt = p
		return "three headlines", nil
	}), time.Second, 80)
	id := f.assign(t)

	task, err := f.coord.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if task.Status != store.TaskCompleted || task.Result != "three headlines" {
		t.Errorf("expected COMPLETED with result, got %s %q", task.Status, task.Result)
	}
	if task.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if prompt.Persona == "" || prompt.Content == "" {
		t.Errorf("expected persona and content in prompt, got %+v", prompt)
	}

	a := f.agent(t)
	if a.Busy() || a.TasksCompleted != 1 || a.PerformanceScore != 81 {
		t.Errorf("unexpected agent after success: %+v", a)
	}
}

func TestThreeSuccessesCapAt100(t *testing.T) {
	for _, tc := range []struct {
		initial, want float64
	}{
		{80, 83},
		{99, 100},
	} {
		f := newFixture(t, succeed("done"), time.Second, tc.initial)
		for range 3 {
			id := f.assign(t)
			if _, err := f.coord.Execute(context.Background(), id); err != nil {
				t.Fatalf("execute: %v", err)
			}
		}
		a := f.agent(t)
		if a.TasksCompleted != 3 {
			t.Errorf("initial %.0f: expected 3 completed, got %d", tc.initial, a.TasksCompleted)
		}
		if a.PerformanceScore != tc.want {
			t.Errorf("initial %.0f: expected score %.0f, got %.1f", tc.initial, tc.want, a.PerformanceScore)
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	slow := collaborator.Func(func(ctx context.Context, p collaborator.Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newFixture(t, slow, 50*time.Millisecond, 80)
	id := f.assign(t)

	task, err := f.coord.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if task.Status != store.TaskFailed || task.Reason != store.ReasonCollaboratorTimeout {
		t.Errorf("expected FAILED collaborator_timeout, got %s %q", task.Status, task.Reason)
	}

	a := f.agent(t)
	if a.CurrentTask != "" {
		t.Errorf("expected agent freed, got current task %q", a.CurrentTask)
	}
	if a.TasksCompleted != 0 {
		t.Errorf("expected tasks_completed unchanged, got %d", a.TasksCompleted)
	}
	if a.PerformanceScore != 75 {
		t.Errorf("expected score 75 after penalty, got %.1f", a.PerformanceScore)
	}
}

func TestExecuteFailureReasons(t *testing.T) {
	for _, tc := range []struct {
		name   string
		collab collaborator.Func
		reason string
	}{
		{"status", func(context.Context, collaborator.Prompt) (string, error) {
			return "", &collaborator.Error{Kind: collaborator.KindStatus, Status: 500, Message: "boom"}
		}, store.ReasonCollaboratorError},
		{"transport", func(context.Context, collaborator.Prompt) (string, error) {
			return "", errors.New("connection refused")
		}, store.ReasonCollaboratorError},
		{"empty", func(context.Context, collaborator.Prompt) (string, error) {
			return "  \n", nil
		}, store.ReasonMalformedResponse},
		{"malformed", func(context.Context, collaborator.Prompt) (string, error) {
			return "", &collaborator.Error{Kind: collaborator.KindMalformed, Message: "bad body"}
		}, store.ReasonMalformedResponse},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.collab, time.Second, 3)
			id := f.assign(t)

			task, err := f.coord.Execute(context.Background(), id)
			if err != nil {
				t.Fatalf("execute must not surface collaborator errors: %v", err)
			}
			if task.Status != store.TaskFailed || task.Reason != tc.reason {
				t.Errorf("expected FAILED %s, got %s %q", tc.reason, task.Status, task.Reason)
			}
			// The penalty floors at 0.
			if a := f.agent(t); a.PerformanceScore != 0 || a.Busy() {
				t.Errorf("expected free agent with score 0, got %+v", a)
			}
		})
	}
}

func TestCancelDuringExecution(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, collaborator.Func(func(ctx context.Context, p collaborator.Prompt) (string, error) {
		close(started)
		<-release
		return "result to discard", nil
	}), 5*time.Second, 80)
	id := f.assign(t)

	done := make(chan *store.Task, 1)
	go func() {
		task, err := f.coord.Execute(context.Background(), id)
		if err != nil {
			t.Errorf("execute: %v", err)
		}
		done <- task
	}()

	<-started
	pending, err := f.coord.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if pending.Status != store.TaskInProgress || !pending.CancelRequested {
		t.Errorf("expected flagged IN_PROGRESS task, got %+v", pending)
	}
	close(release)

	task := <-done
	if task.Status != store.TaskCancelled || task.Result != "" {
		t.Errorf("expected CANCELLED without result, got %s %q", task.Status, task.Result)
	}
	a := f.agent(t)
	if a.Busy() || a.PerformanceScore != 80 || a.TasksCompleted != 0 {
		t.Errorf("expected freed agent with unchanged score, got %+v", a)
	}
}

func TestCancelCreatedAndTerminal(t *testing.T) {
	f := newFixture(t, succeed("ok"), time.Second, 80)
	ctx := context.Background()
	if err := f.store.CreateTask(ctx, &store.Task{ID: "queued", Description: "d", Type: "content"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	task, err := f.coord.Cancel(ctx, "queued")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.Status != store.TaskCancelled {
		t.Errorf("expected CANCELLED, got %s", task.Status)
	}
	if _, err := f.coord.Cancel(ctx, "queued"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.coord.Cancel(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteNonRunningTasks(t *testing.T) {
	f := newFixture(t, succeed("ok"), time.Second, 80)
	ctx := context.Background()

	if _, err := f.coord.Execute(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := f.store.CreateTask(ctx, &store.Task{ID: "queued", Description: "d", Type: "content"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := f.coord.Execute(ctx, "queued")
	if err != nil || task.Status != store.TaskCreated {
		t.Errorf("expected CREATED task returned unchanged, got %+v, %v", task, err)
	}

	id := f.assign(t)
	first, _ := f.coord.Execute(ctx, id)
	again, err := f.coord.Execute(ctx, id)
	if err != nil {
		t.Fatalf("execute terminal: %v", err)
	}
	if again.Status != first.Status || f.agent(t).TasksCompleted != 1 {
		t.Errorf("re-executing a terminal task must be a no-op")
	}
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	f := newFixture(t, collaborator.Func(func(ctx context.Context, p collaborator.Prompt) (string, error) {
		calls.Add(1)
		<-gate
		return "done", nil
	}), 5*time.Second, 80)
	id := f.assign(t)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := f.coord.Execute(context.Background(), id)
			if err != nil {
				t.Errorf("execute: %v", err)
				return
			}
			if task.Status != store.TaskCompleted {
				t.Errorf("expected COMPLETED, got %s", task.Status)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected one collaborator call, got %d", n)
	}
	if a := f.agent(t); a.TasksCompleted != 1 || a.PerformanceScore != 81 {
		t.Errorf("expected a single completion, got %+v", a)
	}
}

func TestExpire(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, collaborator.Func(func(ctx context.Context, p collaborator.Prompt) (string, error) {
		<-gate
		return "late", nil
	}), 5*time.Second, 80)
	ctx := context.Background()

	stale := f.assign(t)
	task, _ := f.store.GetTask(ctx, stale)
	expired, err := f.coord.Expire(ctx, *task)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !expired {
		t.Fatal("expected idle lease to expire")
	}
	closed, _ := f.store.GetTask(ctx, stale)
	if closed.Status != store.TaskFailed || closed.Reason != store.ReasonLeaseExpired {
		t.Errorf("expected FAILED lease_expired, got %s %q", closed.Status, closed.Reason)
	}
	if a := f.agent(t); a.Busy() || a.PerformanceScore != 80 {
		t.Errorf("expected freed agent with unchanged score, got %+v", a)
	}

	// A task executing here is left alone.
	running := f.assign(t)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		f.coord.Execute(ctx, running)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !f.coord.Executing(running) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	task, _ = f.store.GetTask(ctx, running)
	if expired, _ := f.coord.Expire(ctx, *task); expired {
		t.Error("expected executing task to be skipped")
	}
	close(gate)
	<-finished
}
