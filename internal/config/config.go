// Package config provides configuration management for the queue service,
// backed by a TOML file loaded and defaulted through viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/taskforge/queue/pkg/utils"
)

const (
	configName = "config"
	configType = "toml"
)

// Config is the fully resolved, path-expanded configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Worktrees WorktreesConfig `mapstructure:"worktrees"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Substrate SubstrateConfig `mapstructure:"substrate"`
}

// DatabaseConfig controls where and how the SQLite store opens.
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	BusyTimeoutMillis int    `mapstructure:"busy_timeout_millis"`
}

// LimitsConfig controls the dispatcher's concurrency and retry behavior.
type LimitsConfig struct {
	ConcurrencyCap         int    `mapstructure:"concurrency_cap"`
	DefaultTaskTimeout     string `mapstructure:"default_task_timeout"`
	MaxRetries             int    `mapstructure:"max_retries"`
	MaxDependencyDepth     int    `mapstructure:"max_dependency_depth"`
	DispatcherTickInterval string `mapstructure:"dispatcher_tick_interval"`
	ShutdownGrace          string `mapstructure:"shutdown_grace"`
}

// WorktreesConfig controls where task worktrees live and how long they're
// retained after completion.
type WorktreesConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	DefaultBaseRef string `mapstructure:"default_base_ref"`
	Retention      string `mapstructure:"retention"`
	AutoCreate     bool   `mapstructure:"auto_create"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SubstrateConfig configures the CLI-subprocess substrate adapter.
type SubstrateConfig struct {
	Binary     string   `mapstructure:"binary"`
	AgentTypes []string `mapstructure:"agent_types"`
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "queue")
	}
	return filepath.Join(home, ".config", "queue")
}

// Init initializes the configuration system, creating a default config file
// if one doesn't already exist.
func Init() error {
	configDir := getConfigDir()
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	viper.SetConfigName(configName)
	viper.SetConfigType(configType)
	viper.AddConfigPath(configDir)

	viper.SetDefault("database.path", "~/.config/queue/queue.db")
	viper.SetDefault("database.busy_timeout_millis", 30000)

	viper.SetDefault("limits.concurrency_cap", 4)
	viper.SetDefault("limits.default_task_timeout", "30m")
	viper.SetDefault("limits.max_retries", 3)
	viper.SetDefault("limits.max_dependency_depth", 25)
	viper.SetDefault("limits.dispatcher_tick_interval", "1s")
	viper.SetDefault("limits.shutdown_grace", "30s")

	viper.SetDefault("worktrees.base_dir", "~/worktrees/queue")
	viper.SetDefault("worktrees.default_base_ref", "main")
	viper.SetDefault("worktrees.retention", "168h")
	viper.SetDefault("worktrees.auto_create", true)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("substrate.binary", "claude")
	viper.SetDefault("substrate.agent_types", []string{})

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			configPath := filepath.Join(configDir, configName+"."+configType)
			if err := viper.SafeWriteConfig(); err != nil {
				if err := viper.WriteConfigAs(configPath); err != nil {
					return fmt.Errorf("config: create config file: %w", err)
				}
			}
		} else {
			return fmt.Errorf("config: read config: %w", err)
		}
	}

	return nil
}

// Load unmarshals and path-expands the current configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Database.Path != "" {
		expanded, err := utils.ExpandPath(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("config: expand database.path: %w", err)
		}
		cfg.Database.Path = expanded
	}
	if cfg.Worktrees.BaseDir != "" {
		expanded, err := utils.ExpandPath(cfg.Worktrees.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("config: expand worktrees.base_dir: %w", err)
		}
		cfg.Worktrees.BaseDir = expanded
	}
	return &cfg, nil
}

// Set persists a single configuration value by key.
func Set(key string, value any) error {
	viper.Set(key, value)
	return viper.WriteConfig()
}

// GetValue retrieves a configuration value by key.
func GetValue(key string) any {
	return viper.Get(key)
}

// AllSettings returns every configuration setting.
func AllSettings() map[string]any {
	return viper.AllSettings()
}
