package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/portino"
	"github.com/aretw0/portino/internal/adapters/process"
	"github.com/aretw0/portino/pkg/domain"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the ports the bridge currently detects",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		m, err := portino.New(cfg,
			portino.WithLogger(logger),
			portino.WithLauncher(process.NewLauncher()),
		)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		defer m.Dispose(context.Background())

		if err := m.EnsureBridge(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		// The detection snapshot arrives shortly after the control channel
		// comes up.
		deadline := time.Now().Add(2 * cfg.Bridge.DetectionInterval())
		var keys []domain.PortKey
		for {
			keys = m.DetectedPorts()
			if len(keys) > 0 || time.Now().After(deadline) {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}

		if len(keys) == 0 {
			fmt.Println("No ports detected")
			return
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			fmt.Println(key)
		}
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
