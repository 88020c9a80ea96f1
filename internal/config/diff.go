package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	MaintenanceChanged bool
	NewMaintenance     MaintenanceConfig

	LogLevelChanged bool
	NewLogLevel     string

	AllowFromChanged bool
	NewAllowFrom     []int64

	// Agents whose definitions changed. The catalog is fixed for the life of
	// the process, so these only take effect after a restart.
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.MaintenanceChanged || d.LogLevelChanged || d.AllowFromChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Maintenance != new.Maintenance {
		d.MaintenanceChanged = true
		d.NewMaintenance = new.Maintenance
	}
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}
	if !slices.Equal(old.Telegram.AllowFrom, new.Telegram.AllowFrom) {
		d.AllowFromChanged = true
		d.NewAllowFrom = new.Telegram.AllowFrom
	}

	oldAgents := agentIndex(old.Agents)
	newAgents := agentIndex(new.Agents)
	for _, def := range new.Agents {
		prev, ok := oldAgents[def.ID]
		switch {
		case !ok:
			d.AgentsAdded = append(d.AgentsAdded, def.ID)
		case !reflect.DeepEqual(prev, def):
			d.AgentsChanged = append(d.AgentsChanged, def.ID)
		}
	}
	for _, def := range old.Agents {
		if _, ok := newAgents[def.ID]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, def.ID)
		}
	}
	if len(d.AgentsAdded) > 0 || len(d.AgentsRemoved) > 0 || len(d.AgentsChanged) > 0 {
		d.NonReloadable = append(d.NonReloadable, "agents")
	}

	if !reflect.DeepEqual(old.Routing, new.Routing) {
		d.NonReloadable = append(d.NonReloadable, "routing")
	}
	if old.Dispatch != new.Dispatch {
		d.NonReloadable = append(d.NonReloadable, "dispatch")
	}
	if old.Collaborator != new.Collaborator {
		d.NonReloadable = append(d.NonReloadable, "collaborator")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Web != new.Web {
		d.NonReloadable = append(d.NonReloadable, "web")
	}
	if old.Telegram.Token != new.Telegram.Token || old.Telegram.ChatID != new.Telegram.ChatID {
		d.NonReloadable = append(d.NonReloadable, "telegram")
	}

	return d
}

func agentIndex(defs []AgentDefinition) map[string]AgentDefinition {
	m := make(map[string]AgentDefinition, len(defs))
	for _, def := range defs {
		m[def.ID] = def
	}
	return m
}
