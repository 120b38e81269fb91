package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dbelyaev/tabkeeper/internal/flagx"
	"github.com/dbelyaev/tabkeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies
// on timex.Duration so JSON can specify intervals either as strings like
// "100ms" or as integer nanoseconds. Pointer fields distinguish "absent"
// from zero values, so the JSON file only overrides what it names.
type JsonConfig struct {
	APIBaseURL              *string         `json:"api_base_url"`
	StoreDSN                *string         `json:"store_dsn"`
	LogLevel                *int            `json:"log_level"`
	KDFIterations           *int            `json:"kdf_iterations"`
	BroadcastCleanupDelay   *timex.Duration `json:"broadcast_cleanup_delay"`
	StorePollInterval       *timex.Duration `json:"store_poll_interval"`
	LegacyPlaintextFallback *bool           `json:"legacy_plaintext_fallback"`
}

// parseJson overlays cfg with values loaded from the JSON file named by
// the -c/-config flags. No file, no overlay.
func parseJson(cfg *Config) error {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return nil
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if jc.APIBaseURL != nil {
		cfg.APIBaseURL = *jc.APIBaseURL
	}
	if jc.StoreDSN != nil {
		cfg.StoreDSN = *jc.StoreDSN
	}
	if jc.LogLevel != nil {
		cfg.LogLevel = *jc.LogLevel
	}
	if jc.KDFIterations != nil {
		cfg.KDFIterations = *jc.KDFIterations
	}
	if jc.BroadcastCleanupDelay != nil {
		cfg.BroadcastCleanupDelay = jc.BroadcastCleanupDelay.Duration
	}
	if jc.StorePollInterval != nil {
		cfg.StorePollInterval = jc.StorePollInterval.Duration
	}
	if jc.LegacyPlaintextFallback != nil {
		cfg.LegacyPlaintextFallback = *jc.LegacyPlaintextFallback
	}
	return nil
}
