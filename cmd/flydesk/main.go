// Package main provides the CLI entry point for the Firefly Desk agent platform.
//
// Firefly Desk fronts a company's internal back-office systems with a
// conversational agent: operators chat with the agent, which answers from an
// indexed knowledge base and acts on catalogued systems through
// permission-checked tools, long-running workflows, and signed callbacks.
//
// # Basic Usage
//
// Start the gateway:
//
//	flydesk serve --config flydesk.yaml
//
// Check a running instance:
//
//	flydesk status --addr localhost:8080
//
// Print the build:
//
//	flydesk version
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - FLYDESK_DATABASE_URL: Postgres connection string
//   - FLYDESK_REDIS_URL: Redis URL for distributed rate limiting
//   - FLYDESK_JWT_SECRET: HMAC secret for session tokens
//   - FLYDESK_CREDENTIAL_ENCRYPTION_KEY: hex-encoded 32-byte AES key
//   - OPENAI_API_KEY: OpenAI key for GPT models and embeddings
//   - ANTHROPIC_API_KEY: Anthropic key for Claude models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Default to structured JSON logs until serve loads the configured
	// logger; errors before that point still come out machine-readable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flydesk",
		Short: "Firefly Desk - back-office agent platform",
		Long: `Firefly Desk turns a company's internal back-office into a conversational
agent: chat in, knowledge-grounded answers and permission-checked tool
calls out, with durable workflows for anything that outlives a turn.

Supported LLM providers: OpenAI (GPT), Anthropic (Claude)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "flydesk %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
			return nil
		},
	}
}
