package status

import (
	"context"
	"time"

	"github.com/saleskingacademy/agentpool/internal/credits"
	"github.com/saleskingacademy/agentpool/internal/metrics"
	"github.com/saleskingacademy/agentpool/internal/store"
)

type AgentView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Role             string     `json:"role"`
	Level            int        `json:"level"`
	Status           string     `json:"status"`
	CurrentTask      *string    `json:"current_task"`
	TasksCompleted   int        `json:"tasks_completed"`
	PerformanceScore float64    `json:"performance_score"`
	LastActive       *time.Time `json:"last_active,omitempty"`
}

// Snapshot describes the pool as of one committed store state. It can lag
// writers that commit while it is being read, never more than that.
type Snapshot struct {
	TotalAgents    int         `json:"total_agents"`
	ActiveAgents   int         `json:"active_agents"`
	BusyAgents     int         `json:"busy_agents"`
	IdleAgents     int         `json:"idle_agents"`
	ActiveTasks    int         `json:"active_tasks"`
	PendingTasks   int         `json:"pending_tasks"`
	CompletedTasks int         `json:"completed_tasks"`
	FailedTasks    int         `json:"failed_tasks"`
	CancelledTasks int         `json:"cancelled_tasks"`
	AverageScore   float64     `json:"average_performance_score"`
	Credits        int64       `json:"credits"`
	CreditsLabel   string      `json:"credits_label"`
	TakenAt        time.Time   `json:"taken_at"`
	Agents         []AgentView `json:"agents"`
}

type Aggregator struct {
	store   *store.Store
	credits *credits.Feed
	metrics *metrics.Recorder
}

func New(s *store.Store, feed *credits.Feed, m *metrics.Recorder) *Aggregator {
	return &Aggregator{store: s, credits: feed, metrics: m}
}

func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	raw, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	snap := Build(raw)
	snap.Credits = a.credits.Credits()
	snap.CreditsLabel = a.credits.Label()
	a.metrics.SetPool(snap.BusyAgents, snap.IdleAgents, snap.AverageScore)
	return snap, nil
}

// Build derives the aggregate counts from a store snapshot.
func Build(raw *store.Snapshot) *Snapshot {
	snap := &Snapshot{
		TotalAgents:    len(raw.Agents),
		ActiveTasks:    raw.TaskCounts[store.TaskInProgress],
		PendingTasks:   raw.TaskCounts[store.TaskCreated],
		CompletedTasks: raw.TaskCounts[store.TaskCompleted],
		FailedTasks:    raw.TaskCounts[store.TaskFailed],
		CancelledTasks: raw.TaskCounts[store.TaskCancelled],
		TakenAt:        raw.TakenAt,
		Agents:         make([]AgentView, 0, len(raw.Agents)),
	}

	var total float64
	for _, ag := range raw.Agents {
		if ag.Status == store.AgentActive {
			snap.ActiveAgents++
		}
		if ag.Busy() {
			snap.BusyAgents++
		} else if ag.Idle() {
			snap.IdleAgents++
		}
		total += ag.PerformanceScore

		snap.Agents = append(snap.Agents, View(ag))
	}
	if len(raw.Agents) > 0 {
		snap.AverageScore = total / float64(len(raw.Agents))
	}
	return snap
}

// View renders an agent for clients. An idle agent reports a null current task.
func View(ag store.Agent) AgentView {
	view := AgentView{
		ID:               ag.ID,
		Name:             ag.Name,
		Role:             ag.Role,
		Level:            ag.Level,
		Status:           string(ag.Status),
		TasksCompleted:   ag.TasksCompleted,
		PerformanceScore: ag.PerformanceScore,
		LastActive:       ag.LastActive,
	}
	if ag.CurrentTask != "" {
		id := ag.CurrentTask
		view.CurrentTask = &id
	}
	return view
}
