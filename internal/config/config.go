// Package config loads and validates auditd configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Cache     CacheConfig     `mapstructure:"cache"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service for traces. Spans are exported to Cloud Trace when ProjectID is set.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// PoolConfig sizes the browser pool and the processes it launches.
type PoolConfig struct {
	MinInstances  int           `mapstructure:"min_instances"`
	MaxInstances  int           `mapstructure:"max_instances"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	Headless      bool          `mapstructure:"headless"`
	NoSandbox     bool          `mapstructure:"no_sandbox"`
	ExecPath      string        `mapstructure:"exec_path"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// QueueConfig governs the local scan queue.
type QueueConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	HistorySize    int           `mapstructure:"history_size"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
}

// ScannerConfig tunes the local browser scanner.
type ScannerConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	PerHostRPS        float64       `mapstructure:"per_host_rps"`
	PerHostBurst      int           `mapstructure:"per_host_burst"`
}

// RemoteConfig enables the hosted audit API path.
type RemoteConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// CacheConfig bounds the result cache.
type CacheConfig struct {
	MaxSize       int           `mapstructure:"max_size"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty topic keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where completed reports are written: "none", "local" or "gcs".
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "auditd")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("pool.min_instances", 0)
	v.SetDefault("pool.max_instances", 2)
	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.sweep_interval", time.Minute)
	v.SetDefault("pool.launch_timeout", 30*time.Second)
	v.SetDefault("pool.headless", true)
	v.SetDefault("pool.no_sandbox", false)
	v.SetDefault("pool.exec_path", "")
	v.SetDefault("pool.user_agent", "")
	v.SetDefault("queue.max_concurrency", 2)
	v.SetDefault("queue.history_size", 100)
	v.SetDefault("queue.wait_timeout", 60*time.Second)
	v.SetDefault("queue.job_timeout", 3*time.Minute)
	v.SetDefault("scanner.navigation_timeout", 45*time.Second)
	v.SetDefault("scanner.settle_delay", time.Duration(0))
	v.SetDefault("scanner.per_host_rps", 0.0)
	v.SetDefault("scanner.per_host_burst", 1)
	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.endpoint", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.max_concurrent", 10)
	v.SetDefault("remote.rate_per_second", 0.0)
	v.SetDefault("remote.timeout", 60*time.Second)
	v.SetDefault("cache.max_size", 100)
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.sweep_interval", 5*time.Minute)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "reports")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pool.MinInstances < 0 {
		return fmt.Errorf("pool.min_instances must be >= 0")
	}
	if c.Pool.MaxInstances <= 0 {
		return fmt.Errorf("pool.max_instances must be > 0")
	}
	if c.Pool.MinInstances > c.Pool.MaxInstances {
		return fmt.Errorf("pool.min_instances must be <= pool.max_instances")
	}
	if c.Queue.MaxConcurrency < 1 || c.Queue.MaxConcurrency > 10 {
		return fmt.Errorf("queue.max_concurrency must be between 1 and 10")
	}
	if c.Scanner.PerHostRPS < 0 {
		return fmt.Errorf("scanner.per_host_rps must be >= 0")
	}
	if c.Queue.WaitTimeout <= 0 {
		return fmt.Errorf("queue.wait_timeout must be > 0")
	}
	if c.Remote.Enabled {
		if c.Remote.Endpoint == "" {
			return fmt.Errorf("remote.endpoint must be set when remote is enabled")
		}
		if c.Remote.MaxConcurrent < 1 || c.Remote.MaxConcurrent > 50 {
			return fmt.Errorf("remote.max_concurrent must be between 1 and 50")
		}
		if c.Remote.RatePerSecond < 0 {
			return fmt.Errorf("remote.rate_per_second must be >= 0")
		}
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be > 0")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be > 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	switch c.Archive.Backend {
	case "", "none":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be none, local or gcs")
	}
	return nil
}
