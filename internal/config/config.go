// Package config loads the agents daemon's configuration from environment
// variables, an optional config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the daemon needs.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Kanban    KanbanConfig    `mapstructure:"kanban"`
	Executors ExecutorsConfig `mapstructure:"executors"`
	Pool      PoolConfig      `mapstructure:"pool"`
}

// LoggingConfig controls internal/logx construction.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig controls the internal event bus. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// KanbanConfig controls the op-log persistence store.
type KanbanConfig struct {
	// Path is the sqlite database file holding the op log, executor-kind
	// map, and managed-session set. Defaults under the user's config dir.
	Path string `mapstructure:"path"`
	// SchemaVersion is bumped whenever the op log's on-disk shape changes.
	// A mismatch wipes the snapshot and replays ops from empty.
	SchemaVersion int `mapstructure:"schemaVersion"`
}

// ExecutorConfig describes one agent child-process flavor.
type ExecutorConfig struct {
	// BinaryPath overrides where the agent executable is located.
	BinaryPath string `mapstructure:"binaryPath"`
	// Model overrides the model id the agent should use, if supported.
	Model string `mapstructure:"model"`
	// ThinkingTokenBudget overrides the agent's thinking-token budget.
	ThinkingTokenBudget int `mapstructure:"thinkingTokenBudget"`
	// Required marks the executor kind whose spawn failure is fatal to
	// daemon startup. Exactly one executor kind must be Required; the others
	// are optional, and a spawn failure of one is logged and skipped. No
	// executor is detected on disk: each kind is spawned from its BinaryPath.
	Required bool `mapstructure:"required"`
}

// ExecutorsConfig holds the primary (required) and secondary (optional)
// executor kinds.
type ExecutorsConfig struct {
	Cwd       string                     `mapstructure:"cwd"`
	PerfTrace bool                       `mapstructure:"perfTrace"`
	Kinds     map[string]ExecutorConfig  `mapstructure:"kinds"`
}

// PoolConfig controls the pre-warmed worker pool.
type PoolConfig struct {
	BinaryPath      string        `mapstructure:"binaryPath"`
	Model           string        `mapstructure:"model"`
	ShutdownGrace   time.Duration `mapstructure:"shutdownGrace"`
}

// Load reads configuration from KANDEV_-prefixed env vars, an optional
// config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load but searches configPath first for config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KANDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for legacy env vars whose names don't follow the
	// KANDEV_<SECTION>_<KEY> convention automatically.
	_ = v.BindEnv("executors.cwd", "ACP_CWD")
	_ = v.BindEnv("logging.level", "KANDEV_LOG_LEVEL")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("executors.perfTrace", "KANDEV_PERF_TRACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kandev/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Executors.Kinds == nil {
		cfg.Executors.Kinds = defaultExecutorKinds()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentsd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("kanban.path", defaultKanbanPath())
	v.SetDefault("kanban.schemaVersion", 1)

	v.SetDefault("executors.cwd", ".")
	v.SetDefault("executors.perfTrace", false)

	v.SetDefault("pool.binaryPath", "")
	v.SetDefault("pool.model", "")
	v.SetDefault("pool.shutdownGrace", 5*time.Second)
}

func defaultExecutorKinds() map[string]ExecutorConfig {
	return map[string]ExecutorConfig{
		"primary":   {Required: true},
		"secondary": {Required: false},
	}
}

func defaultKanbanPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "./kandev/agentsd.db"
	}
	return dir + "/kandev/agentsd.db"
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KANDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	requiredCount := 0
	for _, ex := range cfg.Executors.Kinds {
		if ex.Required {
			requiredCount++
		}
	}
	if requiredCount != 1 {
		errs = append(errs, "executors.kinds must mark exactly one kind as required")
	}

	if cfg.Kanban.SchemaVersion <= 0 {
		errs = append(errs, "kanban.schemaVersion must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
