package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. A missing file yields the
// defaults, so memory mode works without any config.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no stage can run with.
func (c *AppConfig) Validate() error {
	if c.Host.Budget <= 0 {
		return fmt.Errorf("host.budget must be positive, got %s", c.Host.Budget)
	}
	if c.Host.WarnRatio <= 0 || c.Host.WarnRatio > 1 {
		return fmt.Errorf("host.warn_ratio must be in (0, 1], got %v", c.Host.WarnRatio)
	}
	if c.FailQueue.MaxRetries < 0 {
		return fmt.Errorf("failqueue.max_retries must not be negative")
	}
	if !c.Normalize.Bounds.Empty() && c.Normalize.Bounds.MinLat > c.Normalize.Bounds.MaxLat {
		return fmt.Errorf("normalize.bounds: min_lat above max_lat")
	}
	return nil
}
