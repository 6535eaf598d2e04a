// twolaps-core runs the analysis pipeline as an HTTP API, a task worker
// or one-off CLI commands.
//
// Usage:
//
//	twolaps-core serve [--with-worker]
//	twolaps-core worker
//	twolaps-core run Bebidas/Cava 2025-10
//	twolaps-core run --subject Bebidas/Cava --subject Bebidas/Vermut --period 2025-W40
//	twolaps-core collect --subject Bebidas/Cava [--providers openai,google]
//	twolaps-core migrate
//	twolaps-core version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/twolaps-core/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "twolaps-core",
	Short: "Market intelligence analysis orchestration",
	Long: `twolaps-core turns raw LLM answers about a market category into
staged analyses and an executive report per period.

Configuration hierarchy (highest to lowest priority):
  1. Environment variables (TWOLAPS_*)
  2. Config file (--config)
  3. Defaults`,
	SilenceErrors: true,
	SilenceUsage:  true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.Version = version

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration and installs the process logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// bootstrap loads configuration and wires the app.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
