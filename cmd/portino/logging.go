package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/portino/internal/client"
)

var loggingCmd = &cobra.Command{
	Use:   "logging <level>",
	Short: "Retune the running bridge's log level",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		prober := client.NewProber("http://"+cfg.Bridge.HTTPAddr, client.ProberOptions{
			Retries: 1,
			Logger:  logger,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := prober.SetLogLevel(ctx, args[0]); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Bridge log level set to %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(loggingCmd)
}
