// Package main is the entry point for the maestro agent CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"

	"github.com/maestro-agent/maestro/internal/config"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// globalCreds holds loaded credentials (file > env fallback happens in GetAPIKey)
var globalCreds *credentials.Credentials

func init() {
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		globalCreds = creds
	}

	// Load .env for any additional env vars
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("maestro"),
		kong.Description("Conversational agent with background subagent delegation"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Run prints version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("maestro version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}

// loadConfig loads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.LoadFile("maestro.toml")
	if errors.Is(err, os.ErrNotExist) {
		return config.New(), nil
	}
	return cfg, err
}
