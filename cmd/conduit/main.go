// Package main is the CLI entry point for the conduit gateway.
//
// Start the server:
//
//	conduit serve --config conduit.yaml
//
// Manage database migrations:
//
//	conduit migrate up
//	conduit migrate status
//
// Configuration can also be provided via environment variables: PORT,
// MASTER_API_KEY (required), CONDUIT_DB, OPENAI_API_KEY.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "conduit",
		Short:        "Conduit - multi-tenant tool invocation gateway",
		Long:         "Conduit aggregates MCP-style tool servers behind one authenticated API with routing, rate limiting, circuit breaking, workflows, and budgets.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}
