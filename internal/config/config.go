// Package config loads daemon configuration. Precedence, lowest to highest:
// built-in defaults, an optional YAML config file, environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" yaml:"log_level"`

	// Credential store
	DBPath string `envconfig:"DB_PATH" yaml:"db_path"`

	// Token refresh buffers. Access tokens are cheap to refresh, so the
	// buffer is short; refresh tokens are not, so theirs is long.
	AccessRefreshBuffer  time.Duration `envconfig:"ACCESS_REFRESH_BUFFER" yaml:"access_refresh_buffer"`
	RefreshRefreshBuffer time.Duration `envconfig:"REFRESH_REFRESH_BUFFER" yaml:"refresh_refresh_buffer"`

	// Refresh execution
	MaxRetryAttempts int           `envconfig:"MAX_RETRY_ATTEMPTS" yaml:"max_retry_attempts"`
	RefreshTimeout   time.Duration `envconfig:"REFRESH_TIMEOUT" yaml:"refresh_timeout"`
	LockWaitTimeout  time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" yaml:"lock_wait_timeout"`

	// Background health monitoring
	MonitorInterval     time.Duration `envconfig:"MONITOR_INTERVAL" yaml:"monitor_interval"`
	MaxConcurrentChecks int           `envconfig:"MAX_CONCURRENT_CHECKS" yaml:"max_concurrent_checks"`

	// Client instance pool
	MaxClientInstances int           `envconfig:"MAX_CLIENT_INSTANCES" yaml:"max_client_instances"`
	InactivityTimeout  time.Duration `envconfig:"INACTIVITY_TIMEOUT" yaml:"inactivity_timeout"`

	// Token scheduler
	SchedulerCheckInterval time.Duration `envconfig:"SCHEDULER_CHECK_INTERVAL" yaml:"scheduler_check_interval"`

	// Remote service
	DefaultServiceURL string        `envconfig:"DEFAULT_SERVICE_URL" yaml:"default_service_url"`
	HTTPTimeout       time.Duration `envconfig:"HTTP_TIMEOUT" yaml:"http_timeout"`

	// Ops API
	MgmtListenAddr string `envconfig:"MGMT_LISTEN_ADDR" yaml:"mgmt_listen_addr"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Environment:            "development",
		LogLevel:               "info",
		DBPath:                 "sessiond.db",
		AccessRefreshBuffer:    300 * time.Second,
		RefreshRefreshBuffer:   3600 * time.Second,
		MaxRetryAttempts:       3,
		RefreshTimeout:         30 * time.Second,
		LockWaitTimeout:        30 * time.Second,
		MonitorInterval:        5 * time.Minute,
		MaxConcurrentChecks:    3,
		MaxClientInstances:     50,
		InactivityTimeout:      30 * time.Minute,
		SchedulerCheckInterval: 10 * time.Minute,
		DefaultServiceURL:      "https://bsky.social",
		HTTPTimeout:            30 * time.Second,
		MgmtListenAddr:         ":8090",
	}
}

// Validate rejects configuration that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.AccessRefreshBuffer <= 0 || c.RefreshRefreshBuffer <= 0 {
		return fmt.Errorf("refresh buffers must be positive")
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be >= 1, got %d", c.MaxRetryAttempts)
	}
	if c.RefreshTimeout <= 0 || c.LockWaitTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive")
	}
	if c.MaxConcurrentChecks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_CHECKS must be >= 1, got %d", c.MaxConcurrentChecks)
	}
	if c.MaxClientInstances < 1 {
		return fmt.Errorf("MAX_CLIENT_INSTANCES must be >= 1, got %d", c.MaxClientInstances)
	}
	return nil
}

// Load reads configuration. If SESSIOND_CONFIG names a YAML file its values
// are applied over the defaults, then environment variables override both.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SESSIOND_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
