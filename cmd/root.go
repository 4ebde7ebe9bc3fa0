// Package cmd wires the docweave CLI: serve, migrate and version
// subcommands built on cobra.
package cmd

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/docweave/docweave/internal/config"
	"github.com/docweave/docweave/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "docweave",
	Short: "DocWeave - document access and retrieval engine",
	Long: `DocWeave serves permission-aware document retrieval for
retrieval-augmented chat: it resolves what a user may read across
ownership, organization hierarchy and explicit shares, queries the
vector index, and assembles ranked context under a token budget.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is fine; real deployments set the environment
		// directly.
		_ = godotenv.Load()
		initLogger()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// initLogger installs the process-wide structured logger. DEBUG in the
// environment switches to debug level; DOCWEAVE_LOG_JSON switches to
// JSON output for log aggregation.
func initLogger() {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	if os.Getenv("DOCWEAVE_LOG_JSON") != "" {
		cfg.JSON = true
	}
	slog.SetDefault(log.New(cfg))
}

// loadConfig loads and validates configuration for commands that need
// the full stack.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
