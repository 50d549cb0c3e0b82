package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Sourceflow ServiceConfig   `yaml:"sourceflow"`
	Registry   RegistryConfig  `yaml:"registry"`
	Health     HealthConfig    `yaml:"health"`
	Mirrors    MirrorConfig    `yaml:"mirrors"`
	Selection  SelectionConfig `yaml:"selection"`
	Resolver   ResolverConfig  `yaml:"resolver"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	API        APIConfig       `yaml:"api"`
	Demo       DemoConfig      `yaml:"demo"`
	Logging    LoggingConfig   `yaml:"logging"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// RegistryConfig points at the resource catalog file.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// HealthConfig tunes the circuit-breaker state machine. Rate-limit cooldowns
// are intentionally longer than failure cooldowns: a 429 is a hard server-side
// refusal while a transient failure may clear quickly.
type HealthConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	FailureCooldown   time.Duration `yaml:"failure_cooldown"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
	SuccessRateAlpha  float64       `yaml:"success_rate_alpha"`
}

type MirrorConfig struct {
	UnhealthyWindow time.Duration `yaml:"unhealthy_window"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
}

type SelectionConfig struct {
	Explore        float64 `yaml:"explore"`
	MaxChainLength int     `yaml:"max_chain_length"`
}

type ResolverConfig struct {
	DefaultTimeout   time.Duration            `yaml:"default_timeout"`
	CategoryTimeouts map[string]time.Duration `yaml:"category_timeouts"`
	MaxAttempts      int                      `yaml:"max_attempts"`
	UserAgent        string                   `yaml:"user_agent"`
	ConnectionPool   ConnectionPoolConfig     `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// RateLimitConfig controls whether advisory rate-limit hints on resources are
// enforced as token buckets. Hints stay advisory when enforcement is off.
type RateLimitConfig struct {
	Enforce bool `yaml:"enforce"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DemoConfig drives the optional resolution loop in main, which periodically
// resolves the configured categories and logs the winning provider.
type DemoConfig struct {
	Enabled    bool              `yaml:"enabled"`
	Interval   time.Duration     `yaml:"interval"`
	Categories []string          `yaml:"categories"`
	Params     map[string]string `yaml:"params"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Health: HealthConfig{
			FailureThreshold:  3,
			FailureCooldown:   5 * time.Minute,
			RateLimitCooldown: 60 * time.Minute,
			SuccessRateAlpha:  0.3,
		},
		Mirrors: MirrorConfig{
			UnhealthyWindow: 90 * time.Second,
			ProbeTimeout:    3 * time.Second,
		},
		Selection: SelectionConfig{
			Explore: 0.2,
		},
		Resolver: ResolverConfig{
			DefaultTimeout: 10 * time.Second,
			MaxAttempts:    0,
			UserAgent:      "sourceflow/1.0",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides for deployment-specific settings
	if v := os.Getenv("REGISTRY_PATH"); v != "" {
		config.Registry.Path = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && config.Metrics.CloudWatch.Enabled {
		config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Sourceflow.Name == "" {
		return fmt.Errorf("sourceflow.name is required")
	}

	if cfg.Sourceflow.Version == "" {
		return fmt.Errorf("sourceflow.version is required")
	}

	if cfg.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}

	if cfg.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold must be greater than 0")
	}
	if cfg.Health.FailureCooldown <= 0 {
		return fmt.Errorf("health.failure_cooldown must be greater than 0")
	}
	if cfg.Health.RateLimitCooldown <= cfg.Health.FailureCooldown {
		return fmt.Errorf("health.rate_limit_cooldown must exceed health.failure_cooldown")
	}
	if cfg.Health.SuccessRateAlpha <= 0 || cfg.Health.SuccessRateAlpha > 1 {
		return fmt.Errorf("health.success_rate_alpha must be in (0, 1]")
	}

	if cfg.Mirrors.UnhealthyWindow <= 0 {
		return fmt.Errorf("mirrors.unhealthy_window must be greater than 0")
	}

	if cfg.Selection.Explore < 0 || cfg.Selection.Explore >= 1 {
		return fmt.Errorf("selection.explore must be in [0, 1)")
	}
	if cfg.Selection.MaxChainLength < 0 {
		return fmt.Errorf("selection.max_chain_length must not be negative")
	}

	if cfg.Resolver.DefaultTimeout <= 0 {
		return fmt.Errorf("resolver.default_timeout must be greater than 0")
	}
	for category, timeout := range cfg.Resolver.CategoryTimeouts {
		if timeout <= 0 {
			return fmt.Errorf("resolver.category_timeouts.%s must be greater than 0", category)
		}
	}
	if cfg.Resolver.MaxAttempts < 0 {
		return fmt.Errorf("resolver.max_attempts must not be negative")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	if cfg.API.Enabled && cfg.API.Address == "" {
		return fmt.Errorf("api.address is required when the API is enabled")
	}

	if cfg.Demo.Enabled && cfg.Demo.Interval <= 0 {
		return fmt.Errorf("demo.interval must be greater than 0 when the demo loop is enabled")
	}

	return nil
}

// TimeoutFor returns the per-attempt timeout for a category, falling back to
// the resolver default.
func (c *ResolverConfig) TimeoutFor(category string) time.Duration {
	if t, ok := c.CategoryTimeouts[category]; ok && t > 0 {
		return t
	}
	return c.DefaultTimeout
}
