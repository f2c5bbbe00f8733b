package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Migration.BatchSize == 0 {
		cfg.Migration.BatchSize = 1000
	}
	if cfg.Migration.MaxReadRetries == 0 {
		cfg.Migration.MaxReadRetries = 3
	}
	if cfg.Migration.LockTTL == 0 {
		cfg.Migration.LockTTL = 5 * time.Minute
	}
	if cfg.Source.Table == "" {
		cfg.Source.Table = "products"
	}
	if cfg.Enrichment.Timeout == 0 {
		cfg.Enrichment.Timeout = 60 * time.Second
	}

	applyStageDefaults(&cfg.Stage1, 250)
	applyStageDefaults(&cfg.Stage2, 50)

	return &cfg, nil
}

func applyStageDefaults(sc *StageConfig, batchSize int) {
	if sc.BatchSize == 0 {
		sc.BatchSize = batchSize
	}
	if sc.RateLimitDelay == 0 {
		sc.RateLimitDelay = 6 * time.Second
	}
	if sc.MaxRetries == 0 {
		sc.MaxRetries = 3
	}
	if sc.Lease == 0 {
		sc.Lease = 5 * time.Minute
	}
	if sc.IdleWait == 0 {
		sc.IdleWait = 10 * time.Second
	}
	if sc.ErrorWait == 0 {
		sc.ErrorWait = 5 * time.Second
	}
}
