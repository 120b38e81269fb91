package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// parseEnv overlays cfg with values from environment variables. Fields
// carry no envDefault, so absent variables leave the current value
// untouched.
func parseEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to parse env config: %w", err)
	}
	return nil
}
