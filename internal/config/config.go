package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agents       []AgentDefinition  `yaml:"agents"`
	Routing      RoutingConfig      `yaml:"routing"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
	Accounting   AccountingConfig   `yaml:"accounting"`
	NATS         NATSConfig         `yaml:"nats"`
	Store        StoreConfig        `yaml:"store"`
	Web          WebConfig          `yaml:"web"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Log          LogConfig          `yaml:"log"`
}

// AgentDefinition is the static part of an agent. Mutable state (busy/idle,
// score, counters) lives in the store.
type AgentDefinition struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	Level        int      `yaml:"level"`
	Types        []string `yaml:"types"`
	Persona      string   `yaml:"persona"`
	InitialScore *float64 `yaml:"initial_score"`
}

type RoutingConfig struct {
	// Types maps a task type to agent ids, merged with each agent's own types.
	Types map[string][]string `yaml:"types"`
	// Fallback is an agent id, "auto" for the highest level agent, or empty
	// for no fallback at all.
	Fallback string `yaml:"fallback"`
}

type DispatchConfig struct {
	Strategy          string  `yaml:"strategy"`
	MaxAssignAttempts int     `yaml:"max_assign_attempts"`
	InitialScore      float64 `yaml:"initial_score"`
	SuccessIncrement  float64 `yaml:"success_increment"`
	FailurePenalty    float64 `yaml:"failure_penalty"`
	AutoExecute       bool    `yaml:"auto_execute"`
}

type CollaboratorConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AccountingConfig struct {
	Origin time.Time `yaml:"origin"`
}

type NATSConfig struct {
	// URL of an external NATS server shared by several instances. When empty
	// an embedded server is started on Host:Port.
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type MaintenanceConfig struct {
	Schedule     string        `yaml:"schedule"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	Retention    time.Duration `yaml:"retention"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	ChatID    int64   `yaml:"chat_id"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

const (
	StrategyPerformance = "performance"
	StrategyRoundRobin  = "round_robin"
	StrategyLRU         = "least_recently_used"

	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"

	FallbackAuto = "auto"
)

func defaults() Config {
	return Config{
		Agents: DefaultCatalog(),
		Routing: RoutingConfig{
			Fallback: FallbackAuto,
		},
		Dispatch: DispatchConfig{
			Strategy:          StrategyPerformance,
			MaxAssignAttempts: 5,
			InitialScore:      80,
			SuccessIncrement:  1,
			FailurePenalty:    5,
			AutoExecute:       true,
		},
		Collaborator: CollaboratorConfig{
			Provider:  ProviderMock,
			Model:     "claude-sonnet-4-5",
			MaxTokens: 2048,
			Timeout:   60 * time.Second,
		},
		Accounting: AccountingConfig{
			Origin: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		NATS: NATSConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/agentpool.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Maintenance: MaintenanceConfig{
			Schedule:     "*/5 * * * *",
			LeaseTimeout: 10 * time.Minute,
			Retention:    7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("AGENTPOOL_CONFIG")
	if path == "" {
		path = "config/agentpool.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Collaborator.APIKey = v
	}
	if v := os.Getenv("AGENTPOOL_COLLABORATOR"); v != "" {
		cfg.Collaborator.Provider = v
	}
	if v := os.Getenv("AGENTPOOL_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("AGENTPOOL_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("AGENTPOOL_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("AGENTPOOL_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("AGENTPOOL_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("AGENTPOOL_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("AGENTPOOL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTPOOL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
