package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aretw0/portino/internal/ownership"
	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
	"github.com/aretw0/portino/pkg/ports"
)

// Ensurer guarantees a healthy, compatible bridge before any monitor work.
// Concurrent callers share one in-flight attempt; there is no cancellation of
// a started attempt, later callers just await its outcome.
type Ensurer struct {
	prober   *Prober
	orch     *ownership.Orchestrator
	launcher ports.ProcessLauncher
	identity domain.Identity
	wirePort int
	logger   *slog.Logger

	mu       sync.Mutex
	inflight *ensureCall
}

type ensureCall struct {
	done   chan struct{}
	health *wire.HealthPayload
	err    error
}

func NewEnsurer(prober *Prober, orch *ownership.Orchestrator, launcher ports.ProcessLauncher, identity domain.Identity, wirePort int, logger *slog.Logger) *Ensurer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ensurer{
		prober:   prober,
		orch:     orch,
		launcher: launcher,
		identity: identity,
		wirePort: wirePort,
		logger:   logger,
	}
}

// Ensure probes the bridge and, when it is absent or stale, arbitrates
// ownership and launches it. It returns the bridge's health payload.
func (e *Ensurer) Ensure(ctx context.Context) (*wire.HealthPayload, error) {
	e.mu.Lock()
	if call := e.inflight; call != nil {
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-call.done:
			return call.health, call.err
		}
	}
	call := &ensureCall{done: make(chan struct{})}
	e.inflight = call
	e.mu.Unlock()

	call.health, call.err = e.ensure(ctx)
	close(call.done)
	e.mu.Lock()
	e.inflight = nil
	e.mu.Unlock()
	return call.health, call.err
}

func (e *Ensurer) ensure(ctx context.Context) (*wire.HealthPayload, error) {
	e.orch.NoteDemand()

	health, err := e.prober.Probe(ctx)
	if err == nil {
		reported := domain.Identity{
			Version:       health.Version,
			ExtensionPath: health.ExtensionPath,
			Commit:        health.Commit,
			Mode:          health.Mode,
		}
		if e.orch.IsCompatibleBridge(reported) {
			// Refresh the lease so the running bridge stays ours on record.
			_ = e.orch.WriteOwnerLease(ctx, e.leaseInfo(health.PID), ownership.WriteOptions{Heartbeat: true})
			return health, nil
		}

		reason := domain.InUseWrongOwner
		if e.identity.Version != "" && health.Version != "" && e.identity.Version != health.Version {
			reason = domain.InUseVersionMismatch
		}
		e.logger.Warn("foreign bridge holds the port",
			"port", e.wirePort, "reason", string(reason), "reportedVersion", health.Version)
		return nil, &domain.BridgeInUseError{Port: e.wirePort, Reason: reason}
	}

	decision, err := e.orch.EvaluateTakeoverPolicy(ctx, e.wirePort)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &domain.MonitorError{
			Code:    domain.CodeTakeoverDenied,
			Message: string(decision.Reason),
		}
	}

	if err := e.orch.TryAcquireRestartLock(ctx, e.wirePort, e.identity.Version); err != nil {
		var lockErr *domain.RestartLockError
		if errors.As(err, &lockErr) {
			return nil, &domain.MonitorError{
				Code:    domain.CodeRestartLockContention,
				Message: lockErr.Error(),
			}
		}
		return nil, err
	}
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), e.prober.httpc.Timeout)
		defer cancel()
		_ = e.orch.ClearRestartLock(clearCtx, e.wirePort)
	}()

	e.logger.Info("launching bridge", "port", e.wirePort)
	pid, err := e.launcher.Launch(ctx, e.wirePort)
	if err != nil {
		return nil, &domain.MonitorError{
			Code:    domain.CodeBridgeUnreachable,
			Message: "bridge launch failed: " + err.Error(),
		}
	}

	if err := e.orch.WriteOwnerLease(ctx, e.leaseInfo(pid), ownership.WriteOptions{Takeover: true}); err != nil {
		e.logger.Warn("lease write failed after launch", "error", err)
	}
	e.orch.NoteTakeover()

	health, err = e.prober.WaitHealthy(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Info("bridge healthy", "pid", health.PID, "version", health.Version)
	return health, nil
}

func (e *Ensurer) leaseInfo(pid int) domain.OwnerLease {
	return domain.OwnerLease{
		PID:           pid,
		Port:          e.wirePort,
		Version:       e.identity.Version,
		ExtensionPath: e.identity.ExtensionPath,
		Mode:          e.identity.Mode,
		Commit:        e.identity.Commit,
		OwnerClientID: e.identity.ClientID,
	}
}
