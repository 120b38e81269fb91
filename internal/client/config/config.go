// Package config holds runtime settings for the tabkeeper client.
// Sources are layered: defaults, then a JSON file, then environment
// variables, then command-line flags; later sources take precedence.
package config

import (
	"time"

	"github.com/dbelyaev/tabkeeper/internal/cryptox"
)

// Config holds runtime settings for one client tab.
//
// Fields:
//   - APIBaseURL: base URL of the platform API.
//   - StoreDSN: SQLite DSN of the persistent cache store; empty selects
//     a process-local in-memory store.
//   - LogLevel: slog level number (0 = info, -4 = debug).
//   - KDFIterations: PBKDF2 iteration count for key derivation.
//   - BroadcastCleanupDelay: how long a cross-tab broadcast stays in its
//     slot before the author removes it.
//   - StorePollInterval: change-detection poll interval of the SQLite
//     store.
//   - LegacyPlaintextFallback: permit one plaintext parse of cached
//     values that fail decryption (format-migration aid; retire once no
//     legacy data remains).
type Config struct {
	APIBaseURL              string        `env:"TABKEEPER_API_BASE_URL"`
	StoreDSN                string        `env:"TABKEEPER_STORE_DSN"`
	LogLevel                int           `env:"TABKEEPER_LOG_LEVEL"`
	KDFIterations           int           `env:"TABKEEPER_KDF_ITERATIONS"`
	BroadcastCleanupDelay   time.Duration `env:"TABKEEPER_BROADCAST_CLEANUP_DELAY"`
	StorePollInterval       time.Duration `env:"TABKEEPER_STORE_POLL_INTERVAL"`
	LegacyPlaintextFallback bool          `env:"TABKEEPER_LEGACY_PLAINTEXT_FALLBACK"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.APIBaseURL = "https://api.tabkeeper.local"
	c.StoreDSN = ""
	c.LogLevel = 0
	c.KDFIterations = cryptox.DefaultIterations
	c.BroadcastCleanupDelay = 100 * time.Millisecond
	c.StorePollInterval = 200 * time.Millisecond
	c.LegacyPlaintextFallback = true
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present), environment variables, and command-line flags.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	parseFlags(cfg)
	return cfg, nil
}
