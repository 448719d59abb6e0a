package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
// This is the primary command for running Firefly Desk in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		debug      bool
		reload     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Firefly Desk gateway",
		Long: `Start the Firefly Desk gateway with all configured components.

The server will:
1. Load configuration from the specified file, or from FLYDESK_* env vars
2. Connect storage (Postgres, or in-memory in dev mode) and run migrations
3. Initialize LLM providers (OpenAI, Anthropic) and the vector store
4. Start the job workers, workflow scheduler, and audit retention loop
5. Serve the HTTP API, websocket chat, webhooks, and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start from environment variables only
  flydesk serve

  # Start with a config file
  flydesk serve --config /etc/flydesk/production.yaml

  # Re-apply prompt and routing config when the file changes
  flydesk serve --config flydesk.yaml --reload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath: configPath,
				port:       port,
				debug:      debug,
				reload:     reload,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (empty: FLYDESK_* env vars only)")
	cmd.Flags().IntVar(&port, "port", 0,
		"Override the listen port from the config")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&reload, "reload", false,
		"Watch the config file and re-apply prompts and routing on change")

	return cmd
}

// buildStatusCmd creates the "status" command that queries a running
// instance over HTTP.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health and provider status of a running instance",
		Example: `  # Query the address from the local config file
  flydesk status --config flydesk.yaml

  # Query an explicit address
  flydesk status --addr localhost:8080

  # Machine-readable output
  flydesk status --addr localhost:8080 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, serverAddr, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (used to resolve the address)")
	cmd.Flags().StringVar(&serverAddr, "addr", "",
		"Server address (host:port or full URL; overrides the config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false,
		"Output raw JSON")

	return cmd
}
