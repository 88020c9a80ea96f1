package config

import (
	"fmt"
	"slices"
)

// DefaultCatalog returns the built-in pool of 25 sales and marketing agents.
func DefaultCatalog() []AgentDefinition {
	type entry struct {
		name  string
		role  string
		level int
		types []string
	}
	entries := []entry{
		{"Atlas", "Chief Strategy Officer", 10, []string{"strategy", "research"}},
		{"Nova", "Content Director", 9, []string{"content", "copywriting"}},
		{"Quill", "Copywriter", 7, []string{"content", "copywriting"}},
		{"Echo", "Social Media Manager", 7, []string{"social"}},
		{"Pulse", "Community Manager", 6, []string{"social", "support"}},
		{"Mercury", "Email Marketing Specialist", 7, []string{"email"}},
		{"Relay", "Lifecycle Automation Specialist", 6, []string{"email", "retention"}},
		{"Scout", "SEO Strategist", 8, []string{"seo", "content"}},
		{"Crawler", "Technical SEO Analyst", 6, []string{"seo"}},
		{"Blaze", "Paid Ads Manager", 8, []string{"ads"}},
		{"Bid", "PPC Optimizer", 6, []string{"ads", "analytics"}},
		{"Lens", "Analytics Lead", 9, []string{"analytics", "research"}},
		{"Metric", "Reporting Analyst", 6, []string{"analytics"}},
		{"Closer", "Sales Executive", 9, []string{"sales"}},
		{"Hunter", "Lead Generation Specialist", 7, []string{"lead_gen", "sales"}},
		{"Prospect", "Outbound SDR", 6, []string{"lead_gen", "email"}},
		{"Ledger", "CRM Administrator", 6, []string{"crm"}},
		{"Harbor", "Customer Success Manager", 7, []string{"support", "retention"}},
		{"Anchor", "Retention Specialist", 6, []string{"retention"}},
		{"Herald", "PR Manager", 8, []string{"pr", "content"}},
		{"Reel", "Video Producer", 7, []string{"video"}},
		{"Canvas", "Brand Designer", 7, []string{"design"}},
		{"Bridge", "Partnerships Manager", 7, []string{"partnerships", "sales"}},
		{"Tally", "Pricing Analyst", 6, []string{"pricing", "analytics"}},
		{"Compass", "Market Researcher", 8, []string{"research"}},
	}

	defs := make([]AgentDefinition, 0, len(entries))
	for i, e := range entries {
		defs = append(defs, AgentDefinition{
			ID:    fmt.Sprintf("agent-%02d", i+1),
			Name:  e.name,
			Role:  e.role,
			Level: e.level,
			Types: slices.Clone(e.types),
		})
	}
	return defs
}

// Eligibility merges routing.types with the types declared on each agent.
// Agent ids in every entry are sorted and unique.
func (c *Config) Eligibility() map[string][]string {
	out := make(map[string][]string)
	add := func(taskType, id string) {
		if !slices.Contains(out[taskType], id) {
			out[taskType] = append(out[taskType], id)
		}
	}
	for _, a := range c.Agents {
		for _, t := range a.Types {
			add(t, a.ID)
		}
	}
	for t, ids := range c.Routing.Types {
		for _, id := range ids {
			add(t, id)
		}
	}
	for t := range out {
		slices.Sort(out[t])
	}
	return out
}

// FallbackAgent resolves routing.fallback to an agent id. An empty result
// means no fallback is configured.
func (c *Config) FallbackAgent() string {
	if c.Routing.Fallback != FallbackAuto {
		return c.Routing.Fallback
	}
	best := ""
	bestLevel := 0
	for _, a := range c.Agents {
		if a.Level > bestLevel || (a.Level == bestLevel && a.ID < best) {
			best = a.ID
			bestLevel = a.Level
		}
	}
	return best
}

// InitialScore returns the starting performance score for an agent.
func (c *Config) InitialScore(def AgentDefinition) float64 {
	if def.InitialScore != nil {
		return *def.InitialScore
	}
	return c.Dispatch.InitialScore
}
