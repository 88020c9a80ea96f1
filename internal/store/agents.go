package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type AgentStatus string

const (
	AgentActive   AgentStatus = "ACTIVE"
	AgentInactive AgentStatus = "INACTIVE"
)

func (s AgentStatus) Valid() bool {
	return s == AgentActive || s == AgentInactive
}

type Agent struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Role             string      `json:"role"`
	Level            int         `json:"level"`
	Status           AgentStatus `json:"status"`
	CurrentTask      string      `json:"current_task,omitempty"`
	PerformanceScore float64     `json:"performance_score"`
	TasksCompleted   int         `json:"tasks_completed"`
	LastActive       *time.Time  `json:"last_active,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (a *Agent) Busy() bool {
	return a.CurrentTask != ""
}

// Idle reports whether the agent can take a new task.
func (a *Agent) Idle() bool {
	return a.Status == AgentActive && a.CurrentTask == ""
}

const agentColumns = `id, name, role, level, status, current_task, performance_score, tasks_completed, last_active, created_at, updated_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var currentTask sql.NullString
	err := scanner.Scan(&a.ID, &a.Name, &a.Role, &a.Level, &a.Status, &currentTask,
		&a.PerformanceScore, &a.TasksCompleted, &a.LastActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.CurrentTask = currentTask.String
	return a, nil
}

// SyncAgent inserts an agent or refreshes its static attributes. Score,
// counters and busy state survive a resync.
func (s *Store) SyncAgent(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	status := a.Status
	if status == "" {
		status = AgentActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, level, status, performance_score, tasks_completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			level = excluded.level,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Role, a.Level, status, clampScore(a.PerformanceScore), now, now)
	if err != nil {
		return fmt.Errorf("sync agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	return listAgents(ctx, s.db)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listAgents(ctx context.Context, q queryer) ([]Agent, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListIdleAgents returns active agents without a current task among ids.
func (s *Store) ListIdleAgents(ctx context.Context, ids []string) ([]Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, AgentActive)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE status = ? AND current_task IS NULL AND id IN (` + placeholders(len(ids)) + `)
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list idle agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAgentsNotIn removes idle agents that are no longer configured. Busy
// agents are kept until their task closes.
func (s *Store) DeleteAgentsNotIn(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE current_task IS NULL`)
		return err
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM agents WHERE current_task IS NULL AND id NOT IN (` + placeholders(len(ids)) + `)`
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// ClaimAgent assigns an idle agent to a CREATED task. The agent update is a
// compare-and-swap on current_task; the task moves to IN_PROGRESS in the same
// transaction so the two never disagree.
func (s *Store) ClaimAgent(ctx context.Context, agentID, taskID string, now time.Time) error {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET current_task = ?, last_active = ?, updated_at = ?
		WHERE id = ? AND current_task IS NULL AND status = ?`,
		taskID, now, now, agentID, AgentActive)
	if err != nil {
		return fmt.Errorf("claim agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrConflict)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_agent = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		TaskInProgress, agentID, now, taskID, TaskCreated)
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not CREATED: %w", taskID, ErrInvalidTransition)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func clampScore(v float64) float64 {
	return max(0, min(100, v))
}
