package ports

import (
	"context"
	"time"
)

// ProcessLauncher spawns the privileged bridge process. The launcher does not
// wait for the bridge to become healthy; callers probe the control endpoint.
type ProcessLauncher interface {
	// Launch starts a detached bridge process listening on the given port and
	// returns its pid.
	Launch(ctx context.Context, port int) (pid int, err error)
}

// Notifier delivers terminal, non-recoverable failures to the user. Transient
// conditions (reconnect in progress, discarded stale attempts) must never be
// routed here.
type Notifier interface {
	NotifyError(msg string, err error)
}

// Clock is an injectable time source so the ownership timing heuristics are
// testable without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
