package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/portino/internal/client"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the bridge control endpoint and print its health payload",
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

		health, err := prober.Probe(ctx)
		if err != nil {
			fmt.Printf("Bridge unreachable at %s: %v\n", cfg.Bridge.HTTPAddr, err)
			os.Exit(1)
		}

		out, err := json.MarshalIndent(health, "", "  ")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
