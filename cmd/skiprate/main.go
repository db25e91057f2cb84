// skiprate reports Solana validator skip rates and network health from a
// JSON-RPC node's getBlockProduction data.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fortiblox/stratus-skiprate/internal/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var (
	appConfig *config.Config
	logger    *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "skiprate",
	Short:         "Solana validator skip-rate analytics",
	Long:          "Fetches block production from a Solana RPC node and reports validator skip rates, their distribution and an overall network health score",
	Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the config file")
	flags.StringP("endpoint", "e", "", "RPC endpoint, overrides the config file")
	flags.String("preset", "", "Client preset, overrides the config file")
	flags.String("data-dir", "", "Data directory for saved snapshots and history")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text, json")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg := &config.Config{}
	if err := config.ReadConfig(cfg, configPath); err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}

	if v, _ := cmd.Flags().GetString("endpoint"); v != "" {
		cfg.RPC.Endpoint = v
	}
	if v, _ := cmd.Flags().GetString("preset"); v != "" {
		cfg.RPC.Preset = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := config.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	appConfig = cfg
	logger = l
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
