package formsync

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config consolidates settings for the engine, its binaries and the allocation service.
type Config struct {
	Store     StoreConfig     `json:"store" yaml:"store"`
	Remote    RemoteConfig    `json:"remote" yaml:"remote"`
	Leasing   LeasingConfig   `json:"leasing" yaml:"leasing"`
	Sync      SyncConfig      `json:"sync" yaml:"sync"`
	Reference ReferenceConfig `json:"reference" yaml:"reference"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive"`
	Allocator AllocatorConfig `json:"allocator" yaml:"allocator"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// StoreConfig contains local embedded store settings
type StoreConfig struct {
	Driver         string        `json:"driver" yaml:"driver"` // duckdb or sqlite
	Path           string        `json:"path" yaml:"path"`     // empty means in-memory
	MaxConnections int           `json:"maxConnections" yaml:"maxConnections"`
	BusyTimeout    time.Duration `json:"busyTimeout" yaml:"busyTimeout"`
	MemoryLimitMB  int           `json:"memoryLimitMB" yaml:"memoryLimitMB"`
}

// RemoteConfig contains settings for the central server API
type RemoteConfig struct {
	BaseURL          string        `json:"baseURL" yaml:"baseURL"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	UserAgent        string        `json:"userAgent" yaml:"userAgent"`
	BreakerThreshold int           `json:"breakerThreshold" yaml:"breakerThreshold"`
	BreakerWindow    time.Duration `json:"breakerWindow" yaml:"breakerWindow"`
	BreakerOpenFor   time.Duration `json:"breakerOpenFor" yaml:"breakerOpenFor"`
}

// LeasingConfig contains local identifier inventory targets
type LeasingConfig struct {
	Targets map[FormType]int `json:"targets" yaml:"targets"`
}

// SyncConfig contains synchronization engine settings
type SyncConfig struct {
	MaxConcurrency int           `json:"maxConcurrency" yaml:"maxConcurrency"`
	PollInterval   time.Duration `json:"pollInterval" yaml:"pollInterval"`
	HealthPath     string        `json:"healthPath" yaml:"healthPath"`
}

// ReferenceConfig contains reference-data cache settings
type ReferenceConfig struct {
	Categories []ReferenceCategory `json:"categories" yaml:"categories"`
	CacheTTL   time.Duration       `json:"cacheTTL" yaml:"cacheTTL"`
	KeyFields  map[string]string   `json:"keyFields" yaml:"keyFields"`
}

// ArchiveConfig contains the S3 anomaly archive settings
type ArchiveConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Bucket       string `json:"bucket" yaml:"bucket"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	AccessKey    string `json:"accessKey" yaml:"accessKey"`
	SecretKey    string `json:"secretKey" yaml:"secretKey"`
	UsePathStyle bool   `json:"usePathStyle" yaml:"usePathStyle"`
}

// AllocatorConfig contains the identifier allocation service settings
type AllocatorConfig struct {
	ListenAddr     string        `json:"listenAddr" yaml:"listenAddr"`
	PGHost         string        `json:"pgHost" yaml:"pgHost"`
	PGPort         int           `json:"pgPort" yaml:"pgPort"`
	PGDatabase     string        `json:"pgDatabase" yaml:"pgDatabase"`
	PGUser         string        `json:"pgUser" yaml:"pgUser"`
	PGPassword     string        `json:"pgPassword" yaml:"pgPassword"`
	PGSSLMode      string        `json:"pgSSLMode" yaml:"pgSSLMode"`
	PGUseIAM       bool          `json:"pgUseIAM" yaml:"pgUseIAM"`
	Region         string        `json:"region" yaml:"region"`
	MaxConnections int           `json:"maxConnections" yaml:"maxConnections"`
	LeaseDuration  time.Duration `json:"leaseDuration" yaml:"leaseDuration"`
	MaxPerRequest  int           `json:"maxPerRequest" yaml:"maxPerRequest"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:         "duckdb",
			Path:           "formsync.duckdb",
			MaxConnections: 1,
			BusyTimeout:    5 * time.Second,
		},
		Remote: RemoteConfig{
			BaseURL:          "http://localhost:8080/api",
			Timeout:          15 * time.Second,
			UserAgent:        "formsync/1",
			BreakerThreshold: 5,
			BreakerWindow:    30 * time.Second,
			BreakerOpenFor:   1 * time.Minute,
		},
		Leasing: LeasingConfig{
			Targets: map[FormType]int{
				FormType12Hour: 5,
				FormType24Hour: 5,
				FormTypeVI:     5,
			},
		},
		Sync: SyncConfig{
			MaxConcurrency: 4,
			PollInterval:   15 * time.Second,
			HealthPath:     "/health",
		},
		Reference: ReferenceConfig{
			Categories: AllReferenceCategories(),
			CacheTTL:   10 * time.Minute,
		},
		Archive: ArchiveConfig{
			Prefix: "formsync/anomalies",
		},
		Allocator: AllocatorConfig{
			ListenAddr:     ":8081",
			PGHost:         "localhost",
			PGPort:         5432,
			PGDatabase:     "formsync",
			PGUser:         "postgres",
			PGSSLMode:      "disable",
			MaxConnections: 10,
			LeaseDuration:  30 * 24 * time.Hour,
			MaxPerRequest:  50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "duckdb", "sqlite":
	default:
		return &ConfigError{Field: "store.driver", Message: "must be duckdb or sqlite"}
	}

	if c.Store.MaxConnections <= 0 {
		return &ConfigError{Field: "store.maxConnections", Message: "must be greater than 0"}
	}

	if c.Remote.BaseURL == "" {
		return &ConfigError{Field: "remote.baseURL", Message: "is required"}
	}

	if c.Remote.Timeout <= 0 {
		return &ConfigError{Field: "remote.timeout", Message: "must be greater than 0"}
	}

	for formType, target := range c.Leasing.Targets {
		if !formType.Valid() {
			return &ConfigError{Field: "leasing.targets", Message: fmt.Sprintf("unknown form type %q", formType)}
		}
		if target < 0 {
			return &ConfigError{Field: "leasing.targets." + string(formType), Message: "must be >= 0"}
		}
	}

	if c.Sync.MaxConcurrency <= 0 {
		return &ConfigError{Field: "sync.maxConcurrency", Message: "must be greater than 0"}
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return &ConfigError{Field: "archive.bucket", Message: "is required when the archive is enabled"}
	}

	if c.Allocator.MaxPerRequest <= 0 {
		return &ConfigError{Field: "allocator.maxPerRequest", Message: "must be greater than 0"}
	}

	return nil
}

// Target returns the configured inventory target for a form type.
func (c *LeasingConfig) Target(formType FormType) int {
	if c.Targets == nil {
		return 0
	}
	return c.Targets[formType]
}

// LoadConfig reads a YAML file over DefaultConfig and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from FORMSYNC_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FORMSYNC_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("FORMSYNC_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FORMSYNC_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("FORMSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FORMSYNC_ARCHIVE_BUCKET"); v != "" {
		c.Archive.Bucket = v
		c.Archive.Enabled = true
	}
	if v := os.Getenv("FORMSYNC_PG_HOST"); v != "" {
		c.Allocator.PGHost = v
	}
	if v := os.Getenv("FORMSYNC_PG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Allocator.PGPort = port
		}
	}
	if v := os.Getenv("FORMSYNC_PG_PASSWORD"); v != "" {
		c.Allocator.PGPassword = v
	}
}
