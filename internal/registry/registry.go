package registry

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/store"
)

var ErrNotFound = store.ErrNotFound

// Registry holds the static agent catalog and fronts the store, which keeps
// the authoritative busy/idle state of every agent.
type Registry struct {
	store    *store.Store
	agents   map[string]config.AgentDefinition
	order    []string
	scores   map[string]float64
	eligible map[string][]string
	fallback string
}

func New(s *store.Store, cfg *config.Config) *Registry {
	r := &Registry{
		store:    s,
		agents:   make(map[string]config.AgentDefinition, len(cfg.Agents)),
		scores:   make(map[string]float64, len(cfg.Agents)),
		eligible: cfg.Eligibility(),
		fallback: cfg.FallbackAgent(),
	}
	for _, def := range cfg.Agents {
		r.agents[def.ID] = def
		r.order = append(r.order, def.ID)
		r.scores[def.ID] = cfg.InitialScore(def)
	}
	slices.Sort(r.order)
	return r
}

// Sync writes the catalog into the store. Agents that already exist keep
// their score and counters; idle agents that are no longer configured are
// removed.
func (r *Registry) Sync(ctx context.Context) error {
	for _, id := range r.order {
		def := r.agents[id]
		a := &store.Agent{
			ID:               def.ID,
			Name:             def.Name,
			Role:             def.Role,
			Level:            def.Level,
			PerformanceScore: r.scores[id],
		}
		if a.Name == "" {
			a.Name = def.ID
		}
		if err := r.store.SyncAgent(ctx, a); err != nil {
			return fmt.Errorf("sync agent %s: %w", id, err)
		}
	}

	if err := r.store.DeleteAgentsNotIn(ctx, r.order); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

func (r *Registry) List(ctx context.Context) ([]store.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Persona is the system context handed to the collaborator for an agent.
func (r *Registry) Persona(agentID string) string {
	def, ok := r.agents[agentID]
	if !ok {
		return ""
	}
	if def.Persona != "" {
		return def.Persona
	}
	name := def.Name
	if name == "" {
		name = def.ID
	}
	return fmt.Sprintf("You are %s, the %s of a sales and marketing team. Produce the deliverable the task asks for, concise and ready to use.", name, def.Role)
}

func (r *Registry) SetStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return r.store.SetAgentStatus(ctx, agentID, status)
}

func (r *Registry) Fallback() string {
	return r.fallback
}

// Route returns the agent ids eligible for a task type: the configured
// eligibility set, or the fallback agent for unmapped types. Nil means no
// agent can ever serve the type.
func (r *Registry) Route(taskType string) []string {
	if ids := r.eligible[taskType]; len(ids) > 0 {
		return ids
	}
	if r.fallback != "" {
		return []string{r.fallback}
	}
	return nil
}

// UsesFallback reports whether a task type has no eligible agents of its own
// and is served by the fallback agent.
func (r *Registry) UsesFallback(taskType string) bool {
	return len(r.eligible[taskType]) == 0 && r.fallback != ""
}

// Candidates returns the routed agents that are active and idle right now.
func (r *Registry) Candidates(ctx context.Context, taskType string) ([]store.Agent, error) {
	ids := r.Route(taskType)
	if len(ids) == 0 {
		return nil, nil
	}
	return r.store.ListIdleAgents(ctx, ids)
}

// MarkBusy claims an idle agent for a CREATED task. It fails with
// store.ErrConflict when the agent is no longer idle.
func (r *Registry) MarkBusy(ctx context.Context, agentID, taskID string) error {
	return r.store.ClaimAgent(ctx, agentID, taskID, time.Now())
}

// MarkIdle closes the agent's running task and frees the agent.
func (r *Registry) MarkIdle(ctx context.Context, f store.Finalization) (*store.Task, error) {
	if f.CompletedAt.IsZero() {
		f.CompletedAt = time.Now()
	}
	return r.store.FinalizeTask(ctx, f)
}
