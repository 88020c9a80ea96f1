package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskCreated    TaskStatus = "CREATED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskCreated, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition encodes the task state machine.
//
//	CREATED     -> IN_PROGRESS | FAILED | CANCELLED
//	IN_PROGRESS -> COMPLETED | FAILED | CANCELLED
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskCreated:
		return to == TaskInProgress || to == TaskFailed || to == TaskCancelled
	case TaskInProgress:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	}
	return false
}

// Failure reasons recorded on FAILED tasks.
const (
	ReasonNoAgentAvailable    = "no_agent_available"
	ReasonDispatchError       = "dispatch_error"
	ReasonCollaboratorTimeout = "collaborator_timeout"
	ReasonCollaboratorError   = "collaborator_error"
	ReasonMalformedResponse   = "malformed_response"
	ReasonLeaseExpired        = "lease_expired"
	ReasonCancelled           = "cancelled"
)

type Task struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	Type            string     `json:"type"`
	Priority        int        `json:"priority"`
	AssignedAgent   string     `json:"assigned_agent,omitempty"`
	Status          TaskStatus `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	ExecutionPlan   string     `json:"execution_plan,omitempty"`
	Result          string     `json:"result,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMS      int64      `json:"duration_ms"`
}

const taskColumns = `id, description, type, priority, assigned_agent, status, reason, execution_plan, result,
	cancel_requested, created_at, started_at, completed_at, duration_ms`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var assigned, reason, plan, result sql.NullString
	err := scanner.Scan(&t.ID, &t.Description, &t.Type, &t.Priority, &assigned, &t.Status, &reason,
		&plan, &result, &t.CancelRequested, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.DurationMS)
	if err != nil {
		return nil, err
	}
	t.AssignedAgent = assigned.String
	t.Reason = reason.String
	t.ExecutionPlan = plan.String
	t.Result = result.String
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateTask persists a new task in the CREATED state.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	t.Status = TaskCreated
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, description, type, priority, status, execution_plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Description, t.Type, t.Priority, t.Status, nullString(t.ExecutionPlan), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, s.db, id)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q rowQueryer, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

type TaskFilter struct {
	Status TaskStatus
	Agent  string
	Limit  int
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Agent != "" {
		query += ` AND assigned_agent = ?`
		args = append(args, f.Agent)
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// FailUnassigned closes a CREATED task that never got an agent.
func (s *Store) FailUnassigned(ctx context.Context, id, reason string, now time.Time) (*Task, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, reason = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		TaskFailed, reason, now, id, TaskCreated)
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("task %s not CREATED: %w", id, ErrInvalidTransition)
	}
	return s.GetTask(ctx, id)
}

// Finalization closes an IN_PROGRESS task and releases its agent.
type Finalization struct {
	TaskID      string
	AgentID     string
	Status      TaskStatus
	Result      string
	Reason      string
	CompletedAt time.Time
	// ScoreDelta is added to the agent's score, clamped to [0,100].
	ScoreDelta float64
	// Completed is added to the agent's tasks_completed counter.
	Completed int
}

// FinalizeTask moves an IN_PROGRESS task to a terminal state and frees the
// agent in a single transaction. It fails with ErrInvalidTransition when the
// task was already closed by someone else.
func (s *Store) FinalizeTask(ctx context.Context, f Finalization) (*Task, error) {
	if !f.Status.Terminal() {
		return nil, fmt.Errorf("finalize as %s: %w", f.Status, ErrInvalidTransition)
	}
	completedAt := f.CompletedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(ctx, tx, f.TaskID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, f.Status) || t.Status != TaskInProgress {
		return nil, fmt.Errorf("task %s is %s: %w", f.TaskID, t.Status, ErrInvalidTransition)
	}
	if f.AgentID != "" && f.AgentID != t.AssignedAgent {
		return nil, fmt.Errorf("task %s assigned to %s, not %s: %w", f.TaskID, t.AssignedAgent, f.AgentID, ErrConflict)
	}

	var durationMS int64
	if t.StartedAt != nil {
		durationMS = max(0, completedAt.Sub(*t.StartedAt).Milliseconds())
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, reason = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?`,
		f.Status, nullString(f.Result), nullString(f.Reason), completedAt, durationMS, f.TaskID, TaskInProgress)
	if err != nil {
		return nil, fmt.Errorf("close task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET
			current_task = NULL,
			last_active = ?,
			updated_at = ?,
			tasks_completed = tasks_completed + ?,
			performance_score = MIN(100.0, MAX(0.0, performance_score + ?))
		WHERE id = ? AND current_task = ?`,
		completedAt, completedAt, f.Completed, f.ScoreDelta, t.AssignedAgent, f.TaskID)
	if err != nil {
		return nil, fmt.Errorf("release agent: %w", err)
	}

	closed, err := getTask(ctx, tx, f.TaskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return closed, nil
}

// RequestCancel cancels a CREATED task immediately and flags an IN_PROGRESS
// task so the coordinator discards its result.
func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case TaskCreated:
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, reason = ?, completed_at = ? WHERE id = ?`,
			TaskCancelled, ReasonCancelled, now.UTC(), id)
	case TaskInProgress:
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET cancel_requested = TRUE WHERE id = ?`, id)
	default:
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}

	updated, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}
	return updated, nil
}

// ListExpiredLeases returns IN_PROGRESS tasks started before the cutoff.
func (s *Store) ListExpiredLeases(ctx context.Context, startedBefore time.Time) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND started_at < ?
		ORDER BY started_at`, TaskInProgress, startedBefore.UTC())
}

// PruneTasks deletes terminal tasks that closed before the cutoff.
func (s *Store) PruneTasks(ctx context.Context, completedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?, ?) AND completed_at < ?`,
		TaskCompleted, TaskFailed, TaskCancelled, completedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return res.RowsAffected()
}
