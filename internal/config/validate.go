package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/saleskingacademy/agentpool/internal/schedule"
)

// Validate checks the agent catalog and routing table. Every referenced agent
// id must exist and every routed type must resolve to at least one agent.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("agents: catalog is empty"))
	}

	ids := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case strings.TrimSpace(a.ID) == "":
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
			continue
		case ids[a.ID]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		ids[a.ID] = true

		if a.Level < 1 || a.Level > 10 {
			errs = append(errs, fmt.Errorf("agent %s: level %d out of range 1-10", a.ID, a.Level))
		}
		if score := c.InitialScore(a); score < 0 || score > 100 {
			errs = append(errs, fmt.Errorf("agent %s: initial score %.1f out of range 0-100", a.ID, score))
		}
	}

	for taskType, members := range c.Routing.Types {
		if strings.TrimSpace(taskType) == "" {
			errs = append(errs, errors.New("routing: empty task type"))
		}
		if len(members) == 0 {
			errs = append(errs, fmt.Errorf("routing %q: no agents", taskType))
		}
		for _, id := range members {
			if !ids[id] {
				errs = append(errs, fmt.Errorf("routing %q: unknown agent %q", taskType, id))
			}
		}
	}

	if fb := c.Routing.Fallback; fb != "" && fb != FallbackAuto && !ids[fb] {
		errs = append(errs, fmt.Errorf("routing: unknown fallback agent %q", fb))
	}

	switch c.Dispatch.Strategy {
	case StrategyPerformance, StrategyRoundRobin, StrategyLRU:
	default:
		errs = append(errs, fmt.Errorf("dispatch: unknown strategy %q", c.Dispatch.Strategy))
	}
	if c.Dispatch.MaxAssignAttempts < 1 {
		errs = append(errs, errors.New("dispatch: max_assign_attempts must be at least 1"))
	}
	if c.Dispatch.SuccessIncrement < 0 || c.Dispatch.FailurePenalty < 0 {
		errs = append(errs, errors.New("dispatch: score adjustments must not be negative"))
	}

	switch c.Collaborator.Provider {
	case ProviderMock:
	case ProviderAnthropic:
		if c.Collaborator.APIKey == "" {
			errs = append(errs, errors.New("collaborator: anthropic provider requires an api key"))
		}
	default:
		errs = append(errs, fmt.Errorf("collaborator: unknown provider %q", c.Collaborator.Provider))
	}
	if c.Collaborator.Timeout <= 0 {
		errs = append(errs, errors.New("collaborator: timeout must be positive"))
	}
	if c.Maintenance.LeaseTimeout > 0 && c.Maintenance.LeaseTimeout <= c.Collaborator.Timeout {
		errs = append(errs, errors.New("maintenance: lease_timeout must exceed the collaborator timeout"))
	}

	if c.Maintenance.Schedule != "" {
		if _, err := schedule.Parse(c.Maintenance.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("maintenance: %w", err))
		}
	}

	return errors.Join(errs...)
}
