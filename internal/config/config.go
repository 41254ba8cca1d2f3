// Package config loads and validates the engine's YAML configuration,
// in the same load-then-validate shape the wider n-backup configuration
// layer uses: unmarshal into a plain struct, then run a validate() pass
// that fills in defaults and rejects malformed input before the process
// starts serving.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for cmd/ingestd.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
}

// ServerConfig holds the HTTP listener address.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig holds the single upload root this deployment writes to.
// The upload root is assumed single-filesystem; cross-filesystem
// deployment would break the atomic-rename guarantee the assembly
// pipeline depends on.
type StorageConfig struct {
	UploadRoot string `yaml:"upload_root"`

	// DiskQuotaRejectThreshold and DiskQuotaEmergencyThreshold override
	// the normative contract.DiskUsageRejectThreshold /
	// contract.DiskUsageEmergencyThreshold when non-zero. Present for
	// operational tuning only; the contract package's defaults are what
	// a fresh install gets.
	DiskQuotaRejectThreshold    float64 `yaml:"disk_quota_reject_threshold"`
	DiskQuotaEmergencyThreshold float64 `yaml:"disk_quota_emergency_threshold"`
}

// DatabaseConfig holds the relational store connection.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // default: sqlite3
	DSN    string `yaml:"dsn"`    // e.g. file path for sqlite3
}

// LoggingConfig mirrors the n-backup logging layer: level/format plus an
// optional file path, always tee'd to stdout when a file is configured.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// CleanupConfig configures the Tier-3 global periodic sweep.
type CleanupConfig struct {
	Interval                time.Duration `yaml:"interval"`                  // default: 1h, minimum enforced at 1h
	OrphanRetentionHours    int           `yaml:"orphan_retention_hours"`    // default: contract.OrphanRetentionHours
	AssemblingMaxAgeHours   int           `yaml:"assembling_max_age_hours"`  // default: contract.AssemblingMaxAgeHours
	RunOnStartup            bool          `yaml:"run_on_startup"`            // default: true
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Defaults that validate() cannot tell apart from an explicit zero
	// value are pre-set here; keys present in the file overwrite them.
	cfg := Config{Cleanup: CleanupConfig{RunOnStartup: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	if c.Storage.UploadRoot == "" {
		return fmt.Errorf("storage.upload_root is required")
	}
	if c.Storage.DiskQuotaRejectThreshold == 0 {
		c.Storage.DiskQuotaRejectThreshold = 0.85
	}
	if c.Storage.DiskQuotaEmergencyThreshold == 0 {
		c.Storage.DiskQuotaEmergencyThreshold = 0.95
	}
	if c.Storage.DiskQuotaRejectThreshold <= 0 || c.Storage.DiskQuotaRejectThreshold >= 1 {
		return fmt.Errorf("storage.disk_quota_reject_threshold must be in (0,1), got %v", c.Storage.DiskQuotaRejectThreshold)
	}
	if c.Storage.DiskQuotaEmergencyThreshold <= c.Storage.DiskQuotaRejectThreshold || c.Storage.DiskQuotaEmergencyThreshold >= 1 {
		return fmt.Errorf("storage.disk_quota_emergency_threshold must be > reject threshold and < 1, got %v", c.Storage.DiskQuotaEmergencyThreshold)
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Cleanup.Interval <= 0 {
		c.Cleanup.Interval = time.Hour
	}
	if c.Cleanup.Interval < time.Hour {
		return fmt.Errorf("cleanup.interval must be >= 1h, got %s", c.Cleanup.Interval)
	}
	if c.Cleanup.OrphanRetentionHours <= 0 {
		c.Cleanup.OrphanRetentionHours = 48
	}
	if c.Cleanup.AssemblingMaxAgeHours <= 0 {
		c.Cleanup.AssemblingMaxAgeHours = 2
	}

	return nil
}
