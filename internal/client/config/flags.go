package config

import (
	"flag"
	"os"

	"github.com/dbelyaev/tabkeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the platform API (default from Config)
//	-d string   SQLite DSN of the cache store; empty keeps the in-memory store
//	-l int      log level (slog numeric level)
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.APIBaseURL, "a", cfg.APIBaseURL, "base URL of the platform API")
	fs.StringVar(&cfg.StoreDSN, "d", cfg.StoreDSN, "SQLite DSN of the cache store")
	fs.IntVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
