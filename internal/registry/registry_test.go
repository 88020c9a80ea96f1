package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/store"
)

func score(v float64) *float64 { return &v }

func testConfig() *config.Config {
	return &config.Config{
		Agents: []config.AgentDefinition{
			{ID: "x", Name: "Xavier", Role: "Copywriter", Level: 7, Types: []string{"content"}, InitialScore: score(80)},
			{ID: "y", Name: "Yara", Role: "Editor", Level: 9, Types: []string{"content"}, InitialScore: score(60)},
			{ID: "z", Name: "Zed", Role: "Strategist", Level: 10, Persona: "You plan campaigns."},
		},
		Routing:  config.RoutingConfig{Fallback: config.FallbackAuto},
		Dispatch: config.DispatchConfig{InitialScore: 50},
	}
}

func newTestRegistry(t *testing.T, cfg *config.Config) (*Registry, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := New(s, cfg)
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return reg, s
}

func TestSync(t *testing.T) {
	reg, s := newTestRegistry(t, testConfig())
	ctx := context.Background()

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}

	x, err := reg.Get(ctx, "x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if x.Name != "Xavier" || x.Level != 7 || x.PerformanceScore != 80 {
		t.Errorf("unexpected agent x: %+v", x)
	}
	z, _ := reg.Get(ctx, "z")
	if z.PerformanceScore != 50 {
		t.Errorf("expected default initial score 50 for z, got %.1f", z.PerformanceScore)
	}

	if _, err := reg.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResyncDropsRemovedAgents(t *testing.T) {
	cfg := testConfig()
	reg, s := newTestRegistry(t, cfg)
	ctx := context.Background()

	// Scores survive a restart with the same catalog.
	seedClaim(t, s, "x", "t1")
	if _, err := reg.MarkIdle(ctx, store.Finalization{TaskID: "t1", Status: store.TaskCompleted, ScoreDelta: 3, Completed: 1}); err != nil {
		t.Fatalf("mark idle: %v", err)
	}

	cfg.Agents = cfg.Agents[:2]
	reg2 := New(s, cfg)
	if err := reg2.Sync(ctx); err != nil {
		t.Fatalf("resync: %v", err)
	}

	agents, _ := reg2.List(ctx)
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents after resync, got %d", len(agents))
	}
	x, _ := reg2.Get(ctx, "x")
	if x.PerformanceScore != 83 || x.TasksCompleted != 1 {
		t.Errorf("expected score 83 and 1 completed kept, got %.1f and %d", x.PerformanceScore, x.TasksCompleted)
	}
}

func seedClaim(t *testing.T, s *store.Store, agentID, taskID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateTask(ctx, &store.Task{ID: taskID, Description: "d", Type: "content"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := s.ClaimAgent(ctx, agentID, taskID, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func TestRoute(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())

	if got := strings.Join(reg.Route("content"), ","); got != "x,y" {
		t.Errorf("expected content -> x,y, got %s", got)
	}
	if got := strings.Join(reg.Route("unknown_type"), ","); got != "z" {
		t.Errorf("expected unknown type to route to fallback z, got %s", got)
	}

	cfg := testConfig()
	cfg.Routing.Fallback = ""
	noFallback, _ := newTestRegistry(t, cfg)
	if got := noFallback.Route("unknown_type"); got != nil {
		t.Errorf("expected no route without fallback, got %v", got)
	}
}

func TestCandidatesSkipBusyAndInactive(t *testing.T) {
	reg, s := newTestRegistry(t, testConfig())
	ctx := context.Background()

	seedClaim(t, s, "x", "t1")
	cands, err := reg.Candidates(ctx, "content")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != "y" {
		t.Errorf("expected only y idle, got %+v", cands)
	}

	if err := reg.SetStatus(ctx, "y", store.AgentInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	cands, _ = reg.Candidates(ctx, "content")
	if len(cands) != 0 {
		t.Errorf("expected no candidates, got %+v", cands)
	}

	if err := reg.SetStatus(ctx, "ghost", store.AgentActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkBusyIdle(t *testing.T) {
	reg, s := newTestRegistry(t, testConfig())
	ctx := context.Background()

	if err := s.CreateTask(ctx, &store.Task{ID: "t1", Description: "d", Type: "content"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := reg.MarkBusy(ctx, "x", "t1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	x, _ := reg.Get(ctx, "x")
	if x.CurrentTask != "t1" {
		t.Errorf("expected current task t1, got %q", x.CurrentTask)
	}

	task, err := reg.MarkIdle(ctx, store.Finalization{TaskID: "t1", Status: store.TaskFailed, Reason: "collaborator_error", ScoreDelta: -5})
	if err != nil {
		t.Fatalf("mark idle: %v", err)
	}
	if task.Status != store.TaskFailed {
		t.Errorf("expected FAILED, got %s", task.Status)
	}
	x, _ = reg.Get(ctx, "x")
	if x.Busy() || x.PerformanceScore != 75 || x.TasksCompleted != 0 {
		t.Errorf("unexpected agent after failure: %+v", x)
	}
}

func TestPersona(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())

	if got := reg.Persona("z"); got != "You plan campaigns." {
		t.Errorf("expected configured persona, got %q", got)
	}
	if got := reg.Persona("x"); !strings.Contains(got, "Xavier") || !strings.Contains(got, "Copywriter") {
		t.Errorf("expected generated persona to mention name and role, got %q", got)
	}
	if got := reg.Persona("ghost"); got != "" {
		t.Errorf("expected empty persona for unknown agent, got %q", got)
	}
}
