package store

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is a single committed view of agents and task counts.
type Snapshot struct {
	Agents     []Agent
	TaskCounts map[TaskStatus]int
	TakenAt    time.Time
}

// Snapshot reads agents and task counts inside one transaction so the two
// halves always describe the same committed state.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	agents, err := listAgents(ctx, tx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}

	return &Snapshot{Agents: agents, TaskCounts: counts, TakenAt: time.Now().UTC()}, nil
}
