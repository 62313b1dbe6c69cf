// Package process spawns the bridge as a detached local process.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Launcher starts the bridge binary in its own session so it outlives the
// consumer that launched it. It implements ports.ProcessLauncher.
type Launcher struct {
	// Command is the executable to spawn. Empty means the current binary.
	Command string
	// Args precede the generated flags. Defaults to {"serve"}.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
}

// NewLauncher returns a launcher that re-executes the current binary with
// the serve subcommand.
func NewLauncher() *Launcher {
	return &Launcher{Args: []string{"serve"}}
}

// Launch starts the bridge listening on the given wire port and returns its
// pid without waiting for it to become healthy.
// The context is deliberately unused: the spawned bridge must not share this
// process's lifetime.
func (l *Launcher) Launch(_ context.Context, port int) (int, error) {
	command := l.Command
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		command = self
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"serve"}
	}

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORTINO_BRIDGE_WIRE_ADDR=127.0.0.1:%d", port))
	cmd.Env = append(cmd.Env, l.Env...)
	// Detach: the bridge must survive this process exiting.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start bridge process: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it eventually exits so it never zombies.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
