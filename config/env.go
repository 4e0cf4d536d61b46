package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KLINGNOTARY_"

// ApplyEnv overrides cfg with KLINGNOTARY_* environment variables. Unset
// variables leave the current value alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// applyEnvWith is ApplyEnv with an explicit environment, for tests.
func applyEnvWith(cfg *Config, environ map[string]string) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environ})
}
