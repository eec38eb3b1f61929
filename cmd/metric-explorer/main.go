package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MLMario/metric-explorer/internal/config"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "metric-explorer",
	Short: "Explain why a business metric moved",
	Long: "metric-explorer investigates a change in a business metric between a\n" +
		"baseline and a comparison period using the CSV files of a session.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", "",
		"Config file (default "+config.DefaultConfigPath+", or $METRIC_EXPLORER_CONFIG)")

	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if rootFlags.configPath != "" {
		return rootFlags.configPath
	}
	return os.Getenv("METRIC_EXPLORER_CONFIG")
}

// loadConfig loads configuration without building the runtime. Commands that
// only read session artifacts use it.
func loadConfig(ctx context.Context) (*config.Config, error) {
	path := configPath()
	if path == "" {
		path = config.DefaultConfigPath
	}
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return mgr.Get(ctx), nil
}

// sessionRoot resolves --session to an existing session directory.
func sessionRoot(ctx context.Context, sessionID string) (string, *config.Config, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return "", nil, err
	}
	root, err := workspace.NewResolver(cfg.Session.StoragePath).Existing(sessionID)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}
