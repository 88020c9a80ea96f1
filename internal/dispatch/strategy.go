package dispatch

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/store"
)

// Strategy orders idle candidates for a task type, best first. It must not
// modify the input slice.
type Strategy interface {
	Name() string
	Rank(taskType string, candidates []store.Agent) []store.Agent
}

// Claimer is implemented by strategies that keep state. Claimed is called
// once per successful claim, never for a plain Select or a lost claim.
type Claimer interface {
	Claimed(taskType, agentID string)
}

func NewStrategy(name string) (Strategy, error) {
	switch name {
	case config.StrategyPerformance, "":
		return Performance{}, nil
	case config.StrategyRoundRobin:
		return NewRoundRobin(), nil
	case config.StrategyLRU:
		return LeastRecentlyUsed{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// Performance ranks by performance_score * level, highest first. Ties go to
// the lowest agent id.
type Performance struct{}

func (Performance) Name() string { return config.StrategyPerformance }

func (Performance) Rank(_ string, candidates []store.Agent) []store.Agent {
	ranked := slices.Clone(candidates)
	slices.SortFunc(ranked, func(a, b store.Agent) int {
		if c := cmp.Compare(weight(b), weight(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ranked
}

func weight(a store.Agent) float64 {
	return a.PerformanceScore * float64(a.Level)
}

// LeastRecentlyUsed prefers the agent that has been idle the longest. Agents
// that never worked come first, then ties go to the lowest id.
type LeastRecentlyUsed struct{}

func (LeastRecentlyUsed) Name() string { return config.StrategyLRU }

func (LeastRecentlyUsed) Rank(_ string, candidates []store.Agent) []store.Agent {
	ranked := slices.Clone(candidates)
	slices.SortFunc(ranked, func(a, b store.Agent) int {
		switch {
		case a.LastActive == nil && b.LastActive != nil:
			return -1
		case a.LastActive != nil && b.LastActive == nil:
			return 1
		case a.LastActive != nil && b.LastActive != nil:
			if c := a.LastActive.Compare(*b.LastActive); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ranked
}

// RoundRobin rotates through candidates in id order, per task type. The
// cursor moves only when a claim succeeds and is local to the process.
type RoundRobin struct {
	mu     sync.Mutex
	cursor map[string]string
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursor: make(map[string]string)}
}

func (*RoundRobin) Name() string { return config.StrategyRoundRobin }

func (r *RoundRobin) Rank(taskType string, candidates []store.Agent) []store.Agent {
	if len(candidates) == 0 {
		return nil
	}
	sorted := slices.Clone(candidates)
	slices.SortFunc(sorted, func(a, b store.Agent) int { return cmp.Compare(a.ID, b.ID) })

	r.mu.Lock()
	last := r.cursor[taskType]
	r.mu.Unlock()

	start := 0
	for i, a := range sorted {
		if a.ID > last {
			start = i
			break
		}
	}
	return slices.Concat(sorted[start:], sorted[:start])
}

// Claimed records the agent that last took a task of this type.
func (r *RoundRobin) Claimed(taskType, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor[taskType] = agentID
}
