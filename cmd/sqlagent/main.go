// Package main provides the CLI entry point for sqlagent, a tenant-isolated
// natural-language query service over a Postgres warehouse.
//
// # Basic Usage
//
// Start the server:
//
//	sqlagent serve --config sqlagent.yaml
//
// Manage database migrations:
//
//	sqlagent migrate up
//	sqlagent migrate status
//
// Issue a token for local testing:
//
//	sqlagent token --user user_1 --org org_1 --role analyst
//
// # Environment Variables
//
// A .env file in the working directory is loaded before anything else.
// Configuration files may reference environment variables with ${NAME}:
//
//   - SQLAGENT_CONFIG: Path to configuration file (default: sqlagent.yaml)
//   - DATABASE_URL: Postgres connection string
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "sqlagent.yaml"

func main() {
	// A missing .env file is normal.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sqlagent",
		Short: "sqlagent - natural-language questions over a tenant-isolated warehouse",
		Long: `sqlagent answers questions about warehouse data by letting an LLM run
read-only SQL through a guarded, tenant-scoped tool, and streams the answer
back as NDJSON.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath falls back to SQLAGENT_CONFIG and then the default name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("SQLAGENT_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
