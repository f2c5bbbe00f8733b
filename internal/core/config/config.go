package config

import (
	"time"

	"github.com/tenderops/classipipe/internal/infra/enrich"
	redisclient "github.com/tenderops/classipipe/internal/infra/redis"
	"github.com/tenderops/classipipe/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig          `yaml:"server"`
	Database   postgres.Config       `yaml:"database"`
	Source     postgres.SourceConfig `yaml:"source"`
	Redis      redisclient.Config    `yaml:"redis"`
	Enrichment enrich.Config         `yaml:"enrichment"`
	Logging    LoggingConfig         `yaml:"logging"`
	Migration  MigrationConfig       `yaml:"migration"`
	Stage1     StageConfig           `yaml:"stage1"`
	Stage2     StageConfig           `yaml:"stage2"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"` // empty disables auth
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MigrationConfig holds migration coordinator settings.
type MigrationConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxReadRetries int           `yaml:"max_read_retries"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// StageConfig holds settings for one classification stage.
type StageConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	Lease          time.Duration `yaml:"lease"`
	IdleWait       time.Duration `yaml:"idle_wait"`
	ErrorWait      time.Duration `yaml:"error_wait"`
}
