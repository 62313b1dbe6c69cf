package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/portino/internal/config"
	"github.com/aretw0/portino/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "portino",
	Short: "Portino shares serial monitors between consumers through one bridge",
	Long: `Portino runs a single privileged bridge process that owns serial and
network monitor connections, and lets any number of consumers share them
over a local control channel.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Path to an optional config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the log level (debug, info, warn, error)")
}

// loadConfig reads the configuration and builds the application logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(file)
	if err != nil {
		return nil, nil, err
	}
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		cfg.Logging.Level = override
	}
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))
	return cfg, logger, nil
}
