// Package config holds the aggregate application configuration, loadable
// from YAML and overridable through environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Database    DatabaseConfig    `yaml:"database"`
	Pool        PoolConfig        `yaml:"pool"`
	Query       QueryConfig       `yaml:"query"`
	Cache       CacheConfig       `yaml:"cache"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// DatabaseConfig represents the backing database settings
type DatabaseConfig struct {
	DSN         string        `yaml:"dsn"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PoolConfig represents connection pool settings
type PoolConfig struct {
	Min                    int           `yaml:"min"`
	Max                    int           `yaml:"max"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	AcquireTimeout         time.Duration `yaml:"acquire_timeout"`
	RetryInterval          time.Duration `yaml:"retry_interval"`
	LeakDetectionThreshold time.Duration `yaml:"leak_detection_threshold"`
	CaptureStacks          bool          `yaml:"capture_stacks"`
}

// QueryConfig represents per-operation instrumentation settings
type QueryConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	SlowThreshold     time.Duration `yaml:"slow_threshold"`
	VerySlowThreshold time.Duration `yaml:"very_slow_threshold"`
	MaxPageSize       int           `yaml:"max_page_size"`
	MaxDepth          int           `yaml:"max_depth"`
}

// CacheConfig represents query cache settings
type CacheConfig struct {
	MaxEntries           int           `yaml:"max_entries"`
	TTL                  time.Duration `yaml:"ttl"`
	UpdateAgeOnGet       bool          `yaml:"update_age_on_get"`
	MaxConcurrentFetches int           `yaml:"max_concurrent_fetches"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	MaxMemoryUsage       uint64        `yaml:"max_memory_usage"`
	MemoryCheckInterval  time.Duration `yaml:"memory_check_interval"`
}

// PersistenceConfig represents on-disk cache settings
type PersistenceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Directory   string `yaml:"directory"`
	MaxFileSize int64  `yaml:"max_file_size"`
	MaxFiles    int    `yaml:"max_files"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`
	ServiceLabel   string `yaml:"service_label"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFile:   "",
			LogFormat: "text",
		},
		Database: DatabaseConfig{
			DSN:         ":memory:",
			BusyTimeout: 5 * time.Second,
		},
		Pool: PoolConfig{
			Min:                    2,
			Max:                    10,
			IdleTimeout:            30 * time.Second,
			AcquireTimeout:         5 * time.Second,
			RetryInterval:          time.Second,
			LeakDetectionThreshold: 60 * time.Second,
		},
		Query: QueryConfig{
			Timeout:           30 * time.Second,
			SlowThreshold:     500 * time.Millisecond,
			VerySlowThreshold: 2 * time.Second,
			MaxPageSize:       100,
			MaxDepth:          10,
		},
		Cache: CacheConfig{
			MaxEntries:           500,
			TTL:                  5 * time.Minute,
			UpdateAgeOnGet:       true,
			MaxConcurrentFetches: 5,
			MaxRetries:           3,
			RetryBaseDelay:       100 * time.Millisecond,
			MaxMemoryUsage:       0,
			MemoryCheckInterval:  10 * time.Second,
		},
		Persistence: PersistenceConfig{
			Enabled:     false,
			Directory:   "/var/cache/datakit",
			MaxFileSize: 1024 * 1024,
			MaxFiles:    1000,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			MetricsPort:    9090,
			ServiceLabel:   "datakit",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("DATAKIT_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DATAKIT_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("DATAKIT_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}

	// Database settings
	if val := os.Getenv("DATAKIT_DATABASE_DSN"); val != "" {
		c.Database.DSN = val
	}

	// Pool settings
	if val := os.Getenv("DATAKIT_POOL_MIN"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.Min = n
		}
	}
	if val := os.Getenv("DATAKIT_POOL_MAX"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.Max = n
		}
	}
	if val := os.Getenv("DATAKIT_POOL_ACQUIRE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pool.AcquireTimeout = d
		}
	}
	if val := os.Getenv("DATAKIT_POOL_IDLE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pool.IdleTimeout = d
		}
	}

	// Query settings
	if val := os.Getenv("DATAKIT_QUERY_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Query.Timeout = d
		}
	}
	if val := os.Getenv("DATAKIT_MAX_PAGE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Query.MaxPageSize = n
		}
	}

	// Cache settings
	if val := os.Getenv("DATAKIT_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.TTL = d
		}
	}
	if val := os.Getenv("DATAKIT_CACHE_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxEntries = n
		}
	}

	// Persistence settings
	if val := os.Getenv("DATAKIT_PERSISTENCE_ENABLED"); val != "" {
		c.Persistence.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DATAKIT_PERSISTENCE_DIRECTORY"); val != "" {
		c.Persistence.Directory = val
	}

	// Monitoring settings
	if val := os.Getenv("DATAKIT_METRICS_ENABLED"); val != "" {
		c.Monitoring.MetricsEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DATAKIT_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.MetricsPort = port
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Pool.Min < 0 {
		return fmt.Errorf("pool min must not be negative")
	}
	if c.Pool.Max <= 0 {
		return fmt.Errorf("pool max must be greater than 0")
	}
	if c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("pool min (%d) cannot exceed pool max (%d)", c.Pool.Min, c.Pool.Max)
	}

	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query timeout must be greater than 0")
	}
	if c.Query.VerySlowThreshold <= c.Query.SlowThreshold {
		return fmt.Errorf("very_slow_threshold must exceed slow_threshold")
	}
	if c.Query.MaxPageSize <= 0 {
		return fmt.Errorf("max_page_size must be greater than 0")
	}
	if c.Query.MaxDepth <= 0 {
		return fmt.Errorf("max_depth must be greater than 0")
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max_entries must be greater than 0")
	}
	if c.Cache.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("max_concurrent_fetches must be greater than 0")
	}

	if c.Persistence.Enabled && c.Persistence.Directory == "" {
		return fmt.Errorf("persistence directory is required when persistence is enabled")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
