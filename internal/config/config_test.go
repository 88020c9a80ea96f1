package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if len(cfg.Agents) != 25 {
		t.Errorf("expected 25 agents, got %d", len(cfg.Agents))
	}
	if cfg.Dispatch.Strategy != StrategyPerformance {
		t.Errorf("expected performance strategy, got %s", cfg.Dispatch.Strategy)
	}
	if cfg.Dispatch.MaxAssignAttempts != 5 {
		t.Errorf("expected 5 assign attempts, got %d", cfg.Dispatch.MaxAssignAttempts)
	}
	if cfg.Collaborator.Timeout != 60*time.Second {
		t.Errorf("expected collaborator timeout 60s, got %v", cfg.Collaborator.Timeout)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Store.Path != "data/agentpool.db" {
		t.Errorf("expected store path data/agentpool.db, got %s", cfg.Store.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestFallbackAuto(t *testing.T) {
	cfg := defaults()
	if got := cfg.FallbackAgent(); got != "agent-01" {
		t.Errorf("expected highest level agent-01 as fallback, got %s", got)
	}

	// Ties on level resolve to the lowest id.
	cfg.Agents = []AgentDefinition{
		{ID: "b", Level: 9},
		{ID: "a", Level: 9},
		{ID: "c", Level: 3},
	}
	if got := cfg.FallbackAgent(); got != "a" {
		t.Errorf("expected tie broken to a, got %s", got)
	}

	cfg.Routing.Fallback = ""
	if got := cfg.FallbackAgent(); got != "" {
		t.Errorf("expected no fallback, got %s", got)
	}
}

func TestEligibilityMergesRouting(t *testing.T) {
	cfg := defaults()
	cfg.Agents = []AgentDefinition{
		{ID: "y", Level: 9, Types: []string{"content"}},
		{ID: "x", Level: 7, Types: []string{"content"}},
		{ID: "z", Level: 5},
	}
	cfg.Routing.Types = map[string][]string{
		"content": {"z", "x"},
		"ads":     {"z"},
	}

	elig := cfg.Eligibility()
	if got := strings.Join(elig["content"], ","); got != "x,y,z" {
		t.Errorf("expected content -> x,y,z, got %s", got)
	}
	if got := strings.Join(elig["ads"], ","); got != "z" {
		t.Errorf("expected ads -> z, got %s", got)
	}
	if _, ok := elig["unknown"]; ok {
		t.Error("expected no entry for unknown type")
	}
}

func TestValidateRejectsBadRouting(t *testing.T) {
	cfg := defaults()
	cfg.Routing.Types = map[string][]string{
		"content": {"agent-99"},
		"empty":   {},
	}
	cfg.Routing.Fallback = "ghost"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{`unknown agent "agent-99"`, `routing "empty": no agents`, `unknown fallback agent "ghost"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to contain %q, got %v", want, err)
		}
	}
}

func TestValidateRejectsBadAgents(t *testing.T) {
	cfg := defaults()
	bad := 120.0
	cfg.Agents = []AgentDefinition{
		{ID: "a", Level: 0},
		{ID: "a", Level: 5},
		{ID: "b", Level: 5, InitialScore: &bad},
		{ID: "", Level: 5},
	}
	cfg.Routing.Fallback = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"level 0 out of range", `duplicate id "a"`, "initial score 120.0", "id is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to contain %q, got %v", want, err)
		}
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("AGENTPOOL_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("AGENTPOOL_WEB_PORT", "9090")
	t.Setenv("AGENTPOOL_STORE_PATH", "/tmp/pool.db")
	t.Setenv("AGENTPOOL_TELEGRAM_CHAT_ID", "-1001")
	t.Setenv("AGENTPOOL_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Store.Path != "/tmp/pool.db" {
		t.Errorf("expected store path override, got %s", cfg.Store.Path)
	}
	if cfg.Telegram.ChatID != -1001 {
		t.Errorf("expected chat id -1001, got %d", cfg.Telegram.ChatID)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestLoadAnthropicRequiresKey(t *testing.T) {
	t.Setenv("AGENTPOOL_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("AGENTPOOL_COLLABORATOR", ProviderAnthropic)
	t.Setenv("ANTHROPIC_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for anthropic provider without key")
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Collaborator.APIKey != "sk-test" {
		t.Errorf("expected api key from env, got %q", cfg.Collaborator.APIKey)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentpool.yaml")

	t.Setenv("TEST_WEB_AUTH", "hunter2")
	yaml := `
agents:
  - id: x
    name: Xavier
    role: Copywriter
    level: 7
    types: [content]
    initial_score: 80
  - id: y
    name: Yara
    role: Editor
    level: 9
    types: [content]
    initial_score: 60
routing:
  fallback: ""
dispatch:
  strategy: round_robin
  max_assign_attempts: 3
  success_increment: 2
  failure_penalty: 4
collaborator:
  timeout: 5s
maintenance:
  lease_timeout: 1m
  retention: 24h
web:
  auth: ${TEST_WEB_AUTH}
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGENTPOOL_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}
	if cfg.InitialScore(cfg.Agents[1]) != 60 {
		t.Errorf("expected initial score 60, got %.1f", cfg.InitialScore(cfg.Agents[1]))
	}
	if cfg.FallbackAgent() != "" {
		t.Errorf("expected no fallback, got %q", cfg.FallbackAgent())
	}
	if cfg.Dispatch.Strategy != StrategyRoundRobin {
		t.Errorf("expected round_robin, got %s", cfg.Dispatch.Strategy)
	}
	if cfg.Collaborator.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Collaborator.Timeout)
	}
	if cfg.Maintenance.Retention != 24*time.Hour {
		t.Errorf("expected 24h retention, got %v", cfg.Maintenance.Retention)
	}
	if cfg.Web.Auth != "hunter2" {
		t.Errorf("expected expanded auth, got %q", cfg.Web.Auth)
	}
}
