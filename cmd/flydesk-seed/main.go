// flydesk-seed loads demo data into a Firefly Desk database so a fresh
// install has something to chat against.
//
// # Basic Usage
//
//	flydesk-seed catalog              # demo CRM system with endpoints at every risk level
//	flydesk-seed knowledge            # support workspace and help articles
//	flydesk-seed routing              # enable the two-tier model router
//	flydesk-seed catalog --remove     # delete the seeded rows again
//
// Seeding is idempotent: every row uses a fixed id, so re-running
// refreshes the data in place. Seeded rows carry the "demo" tag where
// the model supports tags. Seeded documents stay in draft until an
// indexing job runs against them.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fireflydesk/flydesk/internal/config"
	"github.com/fireflydesk/flydesk/internal/storage"
)

var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	var remove bool

	cmd := &cobra.Command{
		Use:   "flydesk-seed <domain>",
		Short: "Load Firefly Desk demo data",
		Long: `flydesk-seed loads demo data into the configured database.

Domains:
  catalog     demo CRM system, four endpoints, one custom tool
  knowledge   support workspace and three help articles
  routing     two-tier model routing configuration

Re-running a domain refreshes its rows in place. --remove deletes them.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs:    []string{"catalog", "knowledge", "routing"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, args[0], configPath, remove)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: FLYDESK_* environment)")
	cmd.Flags().BoolVar(&remove, "remove", false, "Delete the seeded rows instead of inserting them")
	return cmd
}

func runSeed(cmd *cobra.Command, domain, configPath string, remove bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("flydesk-seed needs a database; set database.url or FLYDESK_DATABASE_URL")
	}

	stores, err := storage.NewPostgresStores(cfg.Database.URL, storage.DefaultPostgresConfig())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer stores.Close()

	ctx := cmd.Context()
	var summary string
	switch domain {
	case "catalog":
		summary, err = seedCatalog(ctx, stores.Catalog, remove)
	case "knowledge":
		summary, err = seedKnowledge(ctx, stores.Knowledge, remove)
	case "routing":
		summary, err = seedRouting(ctx, stores.Routing, remove)
	}
	if err != nil {
		return fmt.Errorf("seed %s: %w", domain, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), summary)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}
