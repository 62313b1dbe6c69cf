package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aretw0/portino"
	"github.com/aretw0/portino/internal/adapters/process"
	"github.com/aretw0/portino/internal/config"
	"github.com/aretw0/portino/internal/presentation/tui"
	"github.com/aretw0/portino/pkg/domain"
)

// stderrNotifier surfaces terminal failures on the terminal itself.
type stderrNotifier struct{}

func (stderrNotifier) NotifyError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "\r\n[%s: %v]\r\n", msg, err)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor <port>",
	Short: "Attach an interactive monitor to a port",
	Long: `Opens a monitor on the given port (a device path, a "protocol|address"
key, or an alias) and connects it to the terminal. Press Ctrl-] to exit.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		aliases, err := config.LoadAliases(cfg.Aliases.File)
		if err != nil {
			fmt.Printf("Error loading aliases: %v\n", err)
			os.Exit(1)
		}
		port := aliases.Resolve(args[0])
		if baud, _ := cmd.Flags().GetInt("baudrate"); baud > 0 {
			cfg.Bridge.DefaultBaudrate = baud
		}

		if err := runMonitor(cfg, logger, port); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runMonitor(cfg *config.Config, logger *slog.Logger, port domain.PortKey) error {
	m, err := portino.New(cfg,
		portino.WithLogger(logger),
		portino.WithLauncher(process.NewLauncher()),
		portino.WithNotifier(stderrNotifier{}),
	)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer m.Dispose(ctx)

	m.SubscribeData(func(p domain.PortKey, data []byte) {
		if p == port {
			os.Stdout.Write(data)
		}
	})
	styler := tui.NewStyler()
	m.Subscribe(func(p domain.PortKey, lc domain.LogicalContext) {
		if p != port {
			return
		}
		switch lc.State.Kind {
		case domain.StateActive:
			fmt.Fprintf(os.Stderr, "\r\n%s\r\n", styler.Connected(fmt.Sprintf("[connected to %s]", port)))
		case domain.StatePaused:
			fmt.Fprintf(os.Stderr, "\r\n%s\r\n", styler.Paused(fmt.Sprintf("[paused: %s]", lc.State.Reason)))
		case domain.StateError:
			fmt.Fprintf(os.Stderr, "\r\n%s\r\n", styler.Failed(fmt.Sprintf("[error: %v]", lc.State.Err)))
		}
	})

	m.Acquire(port)
	if err := m.Start(ctx, port, "cli"); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, styler.Dim("[press Ctrl-] to exit]"))

	fd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(fd, old) }
		defer restore()
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)

	input := make(chan []byte)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(input)
				return
			}
			b := make([]byte, n)
			copy(b, buf[:n])
			input <- b
		}
	}()

	for {
		select {
		case <-interrupted:
			return nil
		case b, ok := <-input:
			if !ok {
				return nil
			}
			// Ctrl-] detaches, matching other serial terminals.
			for _, c := range b {
				if c == 0x1d {
					return nil
				}
			}
			if _, err := m.Write(ctx, port, b); err != nil {
				return err
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().IntP("baudrate", "b", 0, "Baudrate (defaults to the configured default)")
}
