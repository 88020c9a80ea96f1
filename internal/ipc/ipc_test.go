package ipc

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/saleskingacademy/agentpool/internal/collaborator"
	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/coordinator"
	"github.com/saleskingacademy/agentpool/internal/credits"
	"github.com/saleskingacademy/agentpool/internal/dispatch"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/registry"
	"github.com/saleskingacademy/agentpool/internal/status"
	"github.com/saleskingacademy/agentpool/internal/store"
)

func score(v float64) *float64 { return &v }

func newTestServer(t *testing.T) (*Server, *natsbus.Client) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		Agents: []config.AgentDefinition{
			{ID: "x", Name: "Xavier", Role: "Copywriter", Level: 7, Types: []string{"content"}, InitialScore: score(80)},
		},
		Dispatch: config.DispatchConfig{
			Strategy:          config.StrategyPerformance,
			MaxAssignAttempts: 3,
			SuccessIncrement:  1,
			FailurePenalty:    5,
		},
	}
	reg := registry.New(s, cfg)
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	strategy, _ := dispatch.NewStrategy(cfg.Dispatch.Strategy)
	d := dispatch.New(reg, s, strategy, cfg.Dispatch)
	c := coordinator.New(reg, s, collaborator.NewMock(), cfg.Dispatch, 5*time.Second)
	agg := status.New(s, credits.New(time.Now()), nil)

	bus, err := natsbus.New(config.NATSConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	srv := NewServer(d, c, agg, s)
	if err := srv.Start(context.Background(), client); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)
	client.Flush()
	return srv, client
}

func call(t *testing.T, client *natsbus.Client, cmd string, payload any) *Response {
	t.Helper()
	resp, err := Call(client, cmd, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	return resp
}

func TestSubmitExecuteGet(t *testing.T) {
	_, client := newTestServer(t)

	resp := call(t, client, CmdSubmit, map[string]any{"description": "Write a launch email", "type": "content"})
	if !resp.OK || resp.Task == nil {
		t.Fatalf("submit failed: %+v", resp)
	}
	if resp.Task.Status != store.TaskInProgress || resp.Task.AssignedAgent != "x" {
		t.Fatalf("expected IN_PROGRESS on x, got %s on %q", resp.Task.Status, resp.Task.AssignedAgent)
	}
	id := resp.Task.ID

	resp = call(t, client, CmdExecute, map[string]string{"id": id})
	if !resp.OK || resp.Task.Status != store.TaskCompleted {
		t.Fatalf("execute failed: %+v", resp)
	}
	if !strings.HasPrefix(resp.Task.Result, "[mock]") {
		t.Errorf("unexpected result %q", resp.Task.Result)
	}

	resp = call(t, client, CmdGetTask, map[string]string{"id": id})
	if !resp.OK || resp.Task.ID != id || resp.Task.Status != store.TaskCompleted {
		t.Errorf("get_task returned %+v", resp)
	}

	resp = call(t, client, CmdListTasks, nil)
	if !resp.OK || len(resp.Tasks) != 1 {
		t.Errorf("expected one task listed, got %+v", resp)
	}
}

func TestSubmitValidation(t *testing.T) {
	_, client := newTestServer(t)

	resp := call(t, client, CmdSubmit, map[string]any{"description": "  ", "type": "content"})
	if resp.OK || resp.Code != CodeInvalid {
		t.Fatalf("expected invalid, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "description") {
		t.Errorf("expected the error to name the field, got %q", resp.Error)
	}
}

func TestCancelAndConflict(t *testing.T) {
	_, client := newTestServer(t)

	resp := call(t, client, CmdSubmit, map[string]any{"description": "brief", "type": "content"})
	id := resp.Task.ID

	resp = call(t, client, CmdCancel, map[string]string{"id": id})
	if !resp.OK || !resp.Task.CancelRequested {
		t.Fatalf("expected cancel flagged, got %+v", resp)
	}

	resp = call(t, client, CmdExecute, map[string]string{"id": id})
	if !resp.OK || resp.Task.Status != store.TaskCancelled {
		t.Fatalf("expected CANCELLED after execute, got %+v", resp)
	}

	resp = call(t, client, CmdCancel, map[string]string{"id": id})
	if resp.OK || resp.Code != CodeConflict {
		t.Errorf("expected conflict cancelling a terminal task, got %+v", resp)
	}
}

func TestNotFoundAndUnknown(t *testing.T) {
	_, client := newTestServer(t)

	resp := call(t, client, CmdGetTask, map[string]string{"id": "nope"})
	if resp.Code != CodeNotFound {
		t.Errorf("expected not_found, got %+v", resp)
	}
	resp = call(t, client, CmdExecute, map[string]string{})
	if resp.Code != CodeInvalid {
		t.Errorf("expected invalid for missing id, got %+v", resp)
	}
	resp = call(t, client, "reboot", nil)
	if resp.Code != CodeInvalid || !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("expected unknown command, got %+v", resp)
	}
}

func TestStatus(t *testing.T) {
	_, client := newTestServer(t)
	call(t, client, CmdSubmit, map[string]any{"description": "brief", "type": "content"})

	resp := call(t, client, CmdStatus, nil)
	if !resp.OK || resp.Status == nil {
		t.Fatalf("status failed: %+v", resp)
	}
	if resp.Status.BusyAgents != 1 || resp.Status.ActiveTasks != 1 {
		t.Errorf("expected one busy agent and one active task, got %+v", resp.Status)
	}
	if len(resp.Status.Agents) != 1 || resp.Status.Agents[0].CurrentTask == nil {
		t.Errorf("expected x to report its current task")
	}
}
