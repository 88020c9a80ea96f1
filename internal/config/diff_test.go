package config

import (
	"slices"
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := defaults()
	d := Diff(&cfg, &cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_AgentAdded(t *testing.T) {
	old := &Config{Agents: []AgentDefinition{{ID: "x", Level: 7}}}
	new := &Config{Agents: []AgentDefinition{{ID: "x", Level: 7}, {ID: "y", Level: 3}}}

	d := Diff(old, new)
	if len(d.AgentsAdded) != 1 || d.AgentsAdded[0] != "y" {
		t.Errorf("expected y added, got %v", d.AgentsAdded)
	}
	if len(d.AgentsRemoved) != 0 || len(d.AgentsChanged) != 0 {
		t.Errorf("expected no removals or changes, got %v %v", d.AgentsRemoved, d.AgentsChanged)
	}
	if d.HasChanges() {
		t.Error("agent changes are not reloadable")
	}
	if !slices.Contains(d.NonReloadable, "agents") {
		t.Errorf("expected agents in non-reloadable, got %v", d.NonReloadable)
	}
}

func TestDiff_AgentRemovedAndChanged(t *testing.T) {
	old := &Config{Agents: []AgentDefinition{{ID: "x", Level: 7}, {ID: "y", Level: 3}}}
	new := &Config{Agents: []AgentDefinition{{ID: "x", Level: 8}}}

	d := Diff(old, new)
	if len(d.AgentsRemoved) != 1 || d.AgentsRemoved[0] != "y" {
		t.Errorf("expected y removed, got %v", d.AgentsRemoved)
	}
	if len(d.AgentsChanged) != 1 || d.AgentsChanged[0] != "x" {
		t.Errorf("expected x changed, got %v", d.AgentsChanged)
	}
}

func TestDiff_MaintenanceChanged(t *testing.T) {
	old := &Config{Maintenance: MaintenanceConfig{Schedule: "*/5 * * * *", LeaseTimeout: time.Minute}}
	new := &Config{Maintenance: MaintenanceConfig{Schedule: "every 1m", LeaseTimeout: time.Minute}}

	d := Diff(old, new)
	if !d.HasChanges() || !d.MaintenanceChanged {
		t.Fatal("expected maintenance change")
	}
	if d.NewMaintenance.Schedule != "every 1m" {
		t.Errorf("expected new schedule, got %q", d.NewMaintenance.Schedule)
	}
}

func TestDiff_LogLevelAndAllowFrom(t *testing.T) {
	old := &Config{Log: LogConfig{Level: "info"}, Telegram: TelegramConfig{AllowFrom: []int64{1}}}
	new := &Config{Log: LogConfig{Level: "debug"}, Telegram: TelegramConfig{AllowFrom: []int64{1, 2}}}

	d := Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != "debug" {
		t.Errorf("expected log level change to debug, got %v %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.AllowFromChanged || len(d.NewAllowFrom) != 2 {
		t.Errorf("expected allow_from change, got %v %v", d.AllowFromChanged, d.NewAllowFrom)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Web.Port = 9090
	new.Store.Path = "other.db"
	new.Dispatch.Strategy = StrategyRoundRobin
	new.Telegram.Token = "new-token"

	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("expected no reloadable changes")
	}
	for _, field := range []string{"web", "store.path", "dispatch", "telegram"} {
		if !slices.Contains(d.NonReloadable, field) {
			t.Errorf("expected %s in non-reloadable, got %v", field, d.NonReloadable)
		}
	}
}
