// Package config loads rooswarm configuration from rooswarm.yaml with
// environment-variable overrides, and validates every recognized option.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Mnehmos/rooswarm/internal/ratelimit"
)

// SchedulerConfig controls task selection and rate accounting.
type SchedulerConfig struct {
	// Strategy selects tasks each round: "max-parallel", "rate-aware",
	// or "critical-path".
	Strategy string `mapstructure:"strategy"`
	// MaxRPM is the request budget consulted by rate-aware selection.
	MaxRPM int `mapstructure:"max_rpm"`
	// EstimatedRPMPerTask is the default per-task request estimate.
	EstimatedRPMPerTask int `mapstructure:"estimated_rpm_per_task"`
	// Provider names the upstream tracked on the rate limiter.
	Provider string `mapstructure:"provider"`
}

// PoolConfig controls worker creation.
type PoolConfig struct {
	// MaxWorkers bounds concurrent workers. Must be within [2, 50].
	MaxWorkers int `mapstructure:"max_workers"`
	// SpawnTimeoutMs bounds session creation in milliseconds.
	SpawnTimeoutMs int `mapstructure:"spawn_timeout_ms"`
	// AutoCleanup tears down sessions whose spawn timed out.
	AutoCleanup bool `mapstructure:"auto_cleanup"`
}

// ChannelConfig controls the message channel.
type ChannelConfig struct {
	// Port to listen on; 0 picks a dynamic port.
	Port int `mapstructure:"port"`
	// MaxQueueSize caps each destination's FIFO queue.
	MaxQueueSize int `mapstructure:"max_queue_size"`
	// MessageTimeoutMs is the default wait timeout in milliseconds.
	MessageTimeoutMs int `mapstructure:"message_timeout_ms"`
	// EnableRemoteFallback hands failed sends to the remote sink.
	EnableRemoteFallback bool `mapstructure:"enable_remote_fallback"`
	// MaxReconnectAttempts caps client reconnection attempts.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	// ReconnectDelayMs is the base reconnection delay in milliseconds.
	ReconnectDelayMs int `mapstructure:"reconnect_delay_ms"`
}

// WorkspaceConfig controls workspace validation.
type WorkspaceConfig struct {
	// StrictMode fails validation on any conflict.
	StrictMode bool `mapstructure:"strict_mode"`
	// AllowNestedDirs permits ancestor/descendant workspace pairs.
	AllowNestedDirs bool `mapstructure:"allow_nested_dirs"`
	// SupportWildcards enables `*`/`**` overlap checks.
	SupportWildcards bool `mapstructure:"support_wildcards"`
	// Watch enables the runtime cross-workspace modification watcher.
	Watch bool `mapstructure:"watch"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level"`
	// Dir is where run logs are written; empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// Config is the complete rooswarm configuration.
type Config struct {
	Scheduler  SchedulerConfig              `mapstructure:"scheduler"`
	Pool       PoolConfig                   `mapstructure:"pool"`
	Channel    ChannelConfig                `mapstructure:"channel"`
	RateLimits []ratelimit.ProviderConfig   `mapstructure:"rate_limits"`
	Workspace  WorkspaceConfig              `mapstructure:"workspace"`
	Logging    LoggingConfig                `mapstructure:"logging"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Strategy:            "max-parallel",
			MaxRPM:              3800,
			EstimatedRPMPerTask: 15,
			Provider:            "anthropic",
		},
		Pool: PoolConfig{
			MaxWorkers:     10,
			SpawnTimeoutMs: 3000,
			AutoCleanup:    true,
		},
		Channel: ChannelConfig{
			Port:                 0,
			MaxQueueSize:         1000,
			MessageTimeoutMs:     5000,
			EnableRemoteFallback: true,
			MaxReconnectAttempts: 5,
			ReconnectDelayMs:     1000,
		},
		Workspace: WorkspaceConfig{
			StrictMode:       true,
			AllowNestedDirs:  false,
			SupportWildcards: true,
			Watch:            false,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// setDefaults seeds viper with the default configuration.
func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("scheduler.strategy", def.Scheduler.Strategy)
	v.SetDefault("scheduler.max_rpm", def.Scheduler.MaxRPM)
	v.SetDefault("scheduler.estimated_rpm_per_task", def.Scheduler.EstimatedRPMPerTask)
	v.SetDefault("scheduler.provider", def.Scheduler.Provider)
	v.SetDefault("pool.max_workers", def.Pool.MaxWorkers)
	v.SetDefault("pool.spawn_timeout_ms", def.Pool.SpawnTimeoutMs)
	v.SetDefault("pool.auto_cleanup", def.Pool.AutoCleanup)
	v.SetDefault("channel.port", def.Channel.Port)
	v.SetDefault("channel.max_queue_size", def.Channel.MaxQueueSize)
	v.SetDefault("channel.message_timeout_ms", def.Channel.MessageTimeoutMs)
	v.SetDefault("channel.enable_remote_fallback", def.Channel.EnableRemoteFallback)
	v.SetDefault("channel.max_reconnect_attempts", def.Channel.MaxReconnectAttempts)
	v.SetDefault("channel.reconnect_delay_ms", def.Channel.ReconnectDelayMs)
	v.SetDefault("workspace.strict_mode", def.Workspace.StrictMode)
	v.SetDefault("workspace.allow_nested_dirs", def.Workspace.AllowNestedDirs)
	v.SetDefault("workspace.support_wildcards", def.Workspace.SupportWildcards)
	v.SetDefault("workspace.watch", def.Workspace.Watch)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.dir", def.Logging.Dir)
}

// Load reads configuration from the given file, or searches the working
// directory and ~/.config/rooswarm for rooswarm.yaml when path is empty.
// Environment variables prefixed ROOSWARM_ override file values
// (ROOSWARM_POOL_MAX_WORKERS=4).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROOSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("rooswarm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "rooswarm"))
		}
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine; defaults apply.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option bounds.
func (c *Config) Validate() error {
	switch c.Scheduler.Strategy {
	case "max-parallel", "rate-aware", "critical-path":
	default:
		return fmt.Errorf("scheduler.strategy %q is not one of max-parallel, rate-aware, critical-path", c.Scheduler.Strategy)
	}

	if c.Pool.MaxWorkers < 2 || c.Pool.MaxWorkers > 50 {
		return fmt.Errorf("pool.max_workers %d outside [2, 50]", c.Pool.MaxWorkers)
	}
	if c.Pool.SpawnTimeoutMs <= 0 {
		return fmt.Errorf("pool.spawn_timeout_ms must be positive")
	}
	if c.Channel.Port < 0 || c.Channel.Port > 65535 {
		return fmt.Errorf("channel.port %d outside [0, 65535]", c.Channel.Port)
	}
	if c.Channel.MaxQueueSize <= 0 {
		return fmt.Errorf("channel.max_queue_size must be positive")
	}
	if c.Scheduler.MaxRPM <= 0 {
		return fmt.Errorf("scheduler.max_rpm must be positive")
	}
	if c.Scheduler.EstimatedRPMPerTask <= 0 {
		return fmt.Errorf("scheduler.estimated_rpm_per_task must be positive")
	}

	for _, rl := range c.RateLimits {
		if rl.Provider == "" {
			return fmt.Errorf("rate_limits entries require a provider name")
		}
		if rl.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limits.%s.requests_per_minute must be positive", rl.Provider)
		}
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level %q is not one of DEBUG, INFO, WARN, ERROR", c.Logging.Level)
	}

	return nil
}
