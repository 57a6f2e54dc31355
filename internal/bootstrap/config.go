package bootstrap

import (
	"fmt"

	"titan/internal/config"
)

// Config is an alias for the project's main configuration struct.
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs pre-flight
// checks beyond schema validation.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation:
// credentials required for live trading, and a durable store target.
func checkPreFlight(cfg *Config) error {
	if cfg.App.Mode == "live" {
		if cfg.Broker.APIKey == "" || cfg.Broker.APISecret == "" {
			return fmt.Errorf("broker api_key/api_secret are required in live mode")
		}
		if len(cfg.Safety.HMACSecret) < 32 {
			return fmt.Errorf("safety.hmac_secret must be at least 32 characters in live mode")
		}
	}

	if cfg.Database.Type == "sqlite" && cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required when database.type is 'sqlite'")
	}

	return nil
}
