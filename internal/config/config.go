// Package config handles configuration loading for weft.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/weft/pkg/models"
)

// Config holds all configuration for weft.
type Config struct {
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// DefaultsConfig holds default values for weft sessions.
type DefaultsConfig struct {
	TaskType    string `mapstructure:"task_type"`
	Concurrency int    `mapstructure:"concurrency"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

// TimeoutsConfig holds per-role subtask timeouts.
type TimeoutsConfig struct {
	Researcher time.Duration `mapstructure:"researcher"`
	Designer   time.Duration `mapstructure:"designer"`
	Coder      time.Duration `mapstructure:"coder"`
	Tester     time.Duration `mapstructure:"tester"`
	Writer     time.Duration `mapstructure:"writer"`
	Reviewer   time.Duration `mapstructure:"reviewer"`
	Default    time.Duration `mapstructure:"default"`
}

// For returns the timeout for a role, falling back to the default.
func (tc *TimeoutsConfig) For(role models.Role) time.Duration {
	var d time.Duration
	switch role {
	case models.RoleResearcher:
		d = tc.Researcher
	case models.RoleDesigner:
		d = tc.Designer
	case models.RoleCoder:
		d = tc.Coder
	case models.RoleTester:
		d = tc.Tester
	case models.RoleWriter:
		d = tc.Writer
	case models.RoleReviewer:
		d = tc.Reviewer
	}
	if d <= 0 {
		return tc.Default
	}
	return d
}

// Map returns the resolved per-role timeouts.
func (tc *TimeoutsConfig) Map() map[models.Role]time.Duration {
	out := make(map[models.Role]time.Duration, 6)
	for _, role := range models.AllRoles() {
		if d := tc.For(role); d > 0 {
			out[role] = d
		}
	}
	return out
}

// DispatchConfig holds worker supervision settings.
type DispatchConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMisses   int           `mapstructure:"heartbeat_misses"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	ScratchRoot       string        `mapstructure:"scratch_root"`
}

// RetryConfig holds reflexion retry backoff settings.
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// DataDir overrides where the database and queue files live.
	// Empty means the XDG data directory.
	DataDir string `mapstructure:"data_dir"`
	// TemplatesDir holds user decomposition templates.
	TemplatesDir string `mapstructure:"templates_dir"`
	// LogPath is the debug log file; empty disables file logging.
	LogPath string `mapstructure:"log_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (WEFT_*)
// 2. Project config (.weft.yaml in current directory or parent)
// 3. User config (~/.config/weft/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in paths
	cfg.Paths.DataDir = os.ExpandEnv(cfg.Paths.DataDir)
	cfg.Paths.TemplatesDir = os.ExpandEnv(cfg.Paths.TemplatesDir)
	cfg.Paths.LogPath = os.ExpandEnv(cfg.Paths.LogPath)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Session defaults
	v.SetDefault("defaults.task_type", "development")
	v.SetDefault("defaults.concurrency", 4)
	v.SetDefault("defaults.max_retries", 2)

	// Timeout defaults
	v.SetDefault("timeouts.researcher", "10m")
	v.SetDefault("timeouts.designer", "10m")
	v.SetDefault("timeouts.coder", "20m")
	v.SetDefault("timeouts.tester", "15m")
	v.SetDefault("timeouts.writer", "10m")
	v.SetDefault("timeouts.reviewer", "10m")
	v.SetDefault("timeouts.default", "15m")

	// Worker supervision defaults
	v.SetDefault("dispatch.heartbeat_interval", "5s")
	v.SetDefault("dispatch.heartbeat_misses", 3)
	v.SetDefault("dispatch.grace_period", "10s")
	v.SetDefault("dispatch.scratch_root", "")

	// Retry defaults
	v.SetDefault("retry.initial_delay", "2s")
	v.SetDefault("retry.max_delay", "1m")

	// Path defaults
	v.SetDefault("paths.data_dir", "")
	v.SetDefault("paths.templates_dir", "")
	v.SetDefault("paths.log_path", "")
}

// getUserConfigDir returns the XDG config directory for weft.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "weft")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "weft")
	}
	return filepath.Join(home, ".config", "weft")
}

// findProjectConfig searches for .weft.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".weft.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			TaskType:    "development",
			Concurrency: 4,
			MaxRetries:  2,
		},
		Timeouts: TimeoutsConfig{
			Researcher: 10 * time.Minute,
			Designer:   10 * time.Minute,
			Coder:      20 * time.Minute,
			Tester:     15 * time.Minute,
			Writer:     10 * time.Minute,
			Reviewer:   10 * time.Minute,
			Default:    15 * time.Minute,
		},
		Dispatch: DispatchConfig{
			HeartbeatInterval: 5 * time.Second,
			HeartbeatMisses:   3,
			GracePeriod:       10 * time.Second,
		},
		Retry: RetryConfig{
			InitialDelay: 2 * time.Second,
			MaxDelay:     time.Minute,
		},
	}
}
