package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/portino"
	"github.com/aretw0/portino/internal/bridge"
	"github.com/aretw0/portino/internal/logging"
	"github.com/aretw0/portino/pkg/domain"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Long: `Starts the bridge process that owns serial connections and serves
monitor streams to consumers over the local control channel.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		backends := []bridge.Backend{bridge.SerialBackend{}}
		if loopback, _ := cmd.Flags().GetBool("loopback"); loopback {
			backends = append(backends, bridge.NewLoopbackBackend("loop0"))
		}

		srv := bridge.NewServer(bridge.Config{
			WireAddr:          cfg.Bridge.WireAddr,
			HTTPAddr:          cfg.Bridge.HTTPAddr,
			Backends:          backends,
			TailBufferSize:    cfg.Bridge.TailBufferBytes,
			DetectionInterval: cfg.Bridge.DetectionInterval(),
			HeartbeatInterval: cfg.Bridge.HeartbeatInterval(),
			HeartbeatTimeout:  cfg.Bridge.HeartbeatTimeout(),
			Version:           portino.Version,
			Identity:          domain.Identity{Version: portino.Version},
			LogLevel:          logging.Level,
			Logger:            logger,
		})

		if err := srv.Start(context.Background()); err != nil {
			fmt.Printf("Error starting bridge: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Bridge listening on %s (control: %s)\n", srv.WireAddr(), srv.HTTPAddr())

		// Channel to listen for interrupt or terminate signals.
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		sig := <-shutdown
		fmt.Printf("\nStart shutdown... Signal: %v\n", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Graceful shutdown did not complete in %v: %v\n", 5*time.Second, err)
			os.Exit(1)
		}
		fmt.Println("Bridge stopped gracefully")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("loopback", false, "Also expose a loopback port for testing")
}
