package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/schedule"
	"github.com/saleskingacademy/agentpool/internal/store"
)

// Expirer closes an IN_PROGRESS task whose lease ran out. It reports false
// when the task was left alone.
type Expirer interface {
	Expire(ctx context.Context, t store.Task) (bool, error)
}

// Report summarizes one maintenance pass.
type Report struct {
	Expired int
	Pruned  int64
}

type Maintainer struct {
	store   *store.Store
	expirer Expirer

	mu       sync.Mutex
	schedule *schedule.Schedule
	lease    time.Duration
	keep     time.Duration
	reloadCh chan struct{}
	now      func() time.Time
}

func New(s *store.Store, expirer Expirer, cfg config.MaintenanceConfig) (*Maintainer, error) {
	m := &Maintainer{
		store:    s,
		expirer:  expirer,
		reloadCh: make(chan struct{}, 1),
		now:      time.Now,
	}
	if err := m.apply(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Maintainer) apply(cfg config.MaintenanceConfig) error {
	raw := cfg.Schedule
	if raw == "" {
		raw = "*/5 * * * *"
	}
	sched, err := schedule.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse maintenance schedule: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedule = sched
	m.lease = cfg.LeaseTimeout
	m.keep = cfg.Retention
	return nil
}

// UpdateConfig swaps the schedule and windows, then signals the run loop to
// recompute its next tick.
func (m *Maintainer) UpdateConfig(cfg config.MaintenanceConfig) error {
	if err := m.apply(cfg); err != nil {
		return err
	}
	select {
	case m.reloadCh <- struct{}{}:
	default:
	}
	return nil
}

func (m *Maintainer) Start(ctx context.Context) {
	m.mu.Lock()
	slog.Info("maintenance started", "schedule", m.schedule.String(), "lease_timeout", m.lease, "retention", m.keep)
	m.mu.Unlock()

	for {
		timer := time.NewTimer(m.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("maintenance stopped")
			return
		case <-m.reloadCh:
			timer.Stop()
			slog.Info("maintenance config reloaded")
		case <-timer.C:
			if _, err := m.RunOnce(ctx); err != nil {
				slog.Error("maintenance run failed", "error", err)
			}
		}
	}
}

func (m *Maintainer) untilNext() time.Duration {
	m.mu.Lock()
	sched := m.schedule
	m.mu.Unlock()

	now := m.now()
	next, err := sched.Next(now)
	if err != nil {
		slog.Warn("maintenance schedule has no next tick, retrying in a minute", "error", err)
		return time.Minute
	}
	return next.Sub(now)
}

// RunOnce expires stale leases and prunes old terminal tasks. A zero lease
// timeout or retention disables that half of the pass.
func (m *Maintainer) RunOnce(ctx context.Context) (Report, error) {
	m.mu.Lock()
	lease, keep := m.lease, m.keep
	m.mu.Unlock()

	var rep Report
	now := m.now()

	if lease > 0 {
		tasks, err := m.store.ListExpiredLeases(ctx, now.Add(-lease))
		if err != nil {
			return rep, fmt.Errorf("list expired leases: %w", err)
		}
		for _, t := range tasks {
			expired, err := m.expirer.Expire(ctx, t)
			if err != nil {
				slog.Error("expire task failed", "task", t.ID, "error", err)
				continue
			}
			if expired {
				rep.Expired++
			}
		}
	}

	if keep > 0 {
		n, err := m.store.PruneTasks(ctx, now.Add(-keep))
		if err != nil {
			return rep, fmt.Errorf("prune tasks: %w", err)
		}
		rep.Pruned = n
	}

	if rep.Expired > 0 || rep.Pruned > 0 {
		slog.Info("maintenance run", "expired", rep.Expired, "pruned", rep.Pruned)
	}
	return rep, nil
}
