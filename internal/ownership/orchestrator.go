// Package ownership arbitrates which process may launch or replace the
// singleton bridge process.
//
// There is no cross-process mutual exclusion: the lease is shared, unlocked,
// eventually-consistent state, and correctness is a best-effort product of
// demand, cooldown and freshness timing heuristics. Duplicate launches remain
// possible under adversarial timing; the loser fails to bind the bridge port
// and backs off.
package ownership

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aretw0/portino/pkg/domain"
	"github.com/aretw0/portino/pkg/ports"
)

// Config holds the timing heuristics. Zero values fall back to the defaults.
type Config struct {
	DemandWindow     time.Duration // how long a noted demand stays active
	LocalCooldown    time.Duration // pause between takeovers from this process
	LeaseFreshWindow time.Duration // lease age under which a foreign owner is respected
	RestartLockTTL   time.Duration // advisory restart lock lifetime
	RetryBackoffMin  time.Duration
	RetryBackoffMax  time.Duration
}

// DefaultConfig returns the production timing defaults.
func DefaultConfig() Config {
	return Config{
		DemandWindow:     60 * time.Second,
		LocalCooldown:    12 * time.Second,
		LeaseFreshWindow: 15 * time.Second,
		RestartLockTTL:   20 * time.Second,
		RetryBackoffMin:  1000 * time.Millisecond,
		RetryBackoffMax:  2500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DemandWindow <= 0 {
		c.DemandWindow = d.DemandWindow
	}
	if c.LocalCooldown <= 0 {
		c.LocalCooldown = d.LocalCooldown
	}
	if c.LeaseFreshWindow <= 0 {
		c.LeaseFreshWindow = d.LeaseFreshWindow
	}
	if c.RestartLockTTL <= 0 {
		c.RestartLockTTL = d.RestartLockTTL
	}
	if c.RetryBackoffMin <= 0 {
		c.RetryBackoffMin = d.RetryBackoffMin
	}
	if c.RetryBackoffMax < c.RetryBackoffMin {
		c.RetryBackoffMax = c.RetryBackoffMin + (d.RetryBackoffMax - d.RetryBackoffMin)
	}
	return c
}

// Decision is the outcome of a takeover policy evaluation.
type Decision struct {
	Allowed bool
	Reason  domain.TakeoverReason // set when not allowed
}

// Orchestrator evaluates takeover policy against the shared lease store and
// maintains this process's demand and cooldown bookkeeping.
type Orchestrator struct {
	cfg      Config
	store    ports.LeaseStore
	identity domain.Identity
	clock    ports.Clock
	logger   *slog.Logger

	mu             sync.Mutex
	lastDemandAt   time.Time
	lastTakeoverAt time.Time
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithClock injects a time source, used by tests.
func WithClock(c ports.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator for this process identity on top of a shared
// lease store.
func New(store ports.LeaseStore, identity domain.Identity, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    store,
		identity: identity,
		clock:    ports.SystemClock{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NoteDemand timestamps local need for a bridge. Demand expires after the
// demand window.
func (o *Orchestrator) NoteDemand() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastDemandAt = o.clock.Now()
}

// HasActiveDemand reports whether demand was noted within the demand window.
func (o *Orchestrator) HasActiveDemand() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastDemandAt.IsZero() {
		return false
	}
	return o.clock.Now().Sub(o.lastDemandAt) <= o.cfg.DemandWindow
}

// NoteTakeover timestamps a takeover performed by this process, starting the
// local cooldown.
func (o *Orchestrator) NoteTakeover() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastTakeoverAt = o.clock.Now()
}

// EvaluateTakeoverPolicy decides whether this process may launch or replace
// the bridge for the given port. A takeover requires active local demand and
// an elapsed local cooldown and a lease that is absent, foreign to the port,
// stale, or matching the caller's identity.
func (o *Orchestrator) EvaluateTakeoverPolicy(ctx context.Context, port int) (Decision, error) {
	if !o.HasActiveDemand() {
		return Decision{Reason: domain.TakeoverDemandInactive}, nil
	}

	now := o.clock.Now()
	o.mu.Lock()
	lastLocal := o.lastTakeoverAt
	o.mu.Unlock()
	if !lastLocal.IsZero() && now.Sub(lastLocal) < o.cfg.LocalCooldown {
		return Decision{Reason: domain.TakeoverCooldownLocal}, nil
	}

	lease, err := o.store.Load(ctx)
	if err != nil {
		return Decision{}, err
	}
	if lease == nil || lease.Port != port {
		return Decision{Allowed: true}, nil
	}

	fresh := now.Sub(lease.UpdatedAt) <= o.cfg.LeaseFreshWindow
	if fresh && !o.identity.MatchesLease(lease) {
		return Decision{Reason: domain.TakeoverLeaseFreshForeignOwner}, nil
	}

	if lease.LastTakeoverAt != nil && now.Sub(*lease.LastTakeoverAt) < o.cfg.LocalCooldown {
		return Decision{Reason: domain.TakeoverCooldownShared}, nil
	}

	return Decision{Allowed: true}, nil
}

// IsCompatibleBridge reports whether a running bridge's reported identity is
// this installation's own. Any expected field we carry (version, extension
// path, commit) that the bridge reports differently makes it incompatible.
func (o *Orchestrator) IsCompatibleBridge(reported domain.Identity) bool {
	if o.identity.Version != "" && reported.Version != "" && o.identity.Version != reported.Version {
		return false
	}
	if o.identity.ExtensionPath != "" && reported.ExtensionPath != "" &&
		!domain.PathsEqual(o.identity.ExtensionPath, reported.ExtensionPath) {
		return false
	}
	if o.identity.Commit != "" && reported.Commit != "" && o.identity.Commit != reported.Commit {
		return false
	}
	return true
}

// WriteOptions qualify a lease write.
type WriteOptions struct {
	Heartbeat bool // refresh lastHeartbeatAt
	Takeover  bool // stamp lastTakeoverAt
}

// WriteOwnerLease merges info into the existing lease record and overwrites
// the store, preserving unrelated timestamps. There is no locking; the write
// may lose against a concurrent writer and that is tolerated.
func (o *Orchestrator) WriteOwnerLease(ctx context.Context, info domain.OwnerLease, opts WriteOptions) error {
	existing, err := o.store.Load(ctx)
	if err != nil {
		return err
	}

	merged := info
	if existing != nil {
		if merged.LastHeartbeatAt == nil {
			merged.LastHeartbeatAt = existing.LastHeartbeatAt
		}
		if merged.LastTakeoverAt == nil {
			merged.LastTakeoverAt = existing.LastTakeoverAt
		}
		if merged.RestartOwnerClientID == "" {
			merged.RestartOwnerClientID = existing.RestartOwnerClientID
			merged.RestartExpectedVersion = existing.RestartExpectedVersion
			merged.RestartStartedAt = existing.RestartStartedAt
		}
	}

	now := o.clock.Now()
	merged.UpdatedAt = now
	if opts.Heartbeat {
		merged.LastHeartbeatAt = &now
	}
	if opts.Takeover {
		merged.LastTakeoverAt = &now
	}

	return o.store.Store(ctx, &merged)
}

// TryAcquireRestartLock takes the single-owner advisory restart lock for the
// given port. A fresh foreign lock is rejected with RestartLockError; a lock
// past its TTL may be stolen.
func (o *Orchestrator) TryAcquireRestartLock(ctx context.Context, port int, expectedVersion string) error {
	lease, err := o.store.Load(ctx)
	if err != nil {
		return err
	}

	now := o.clock.Now()
	if lease != nil && lease.RestartOwnerClientID != "" && lease.RestartOwnerClientID != o.identity.ClientID {
		if lease.RestartStartedAt != nil && now.Sub(*lease.RestartStartedAt) < o.cfg.RestartLockTTL {
			return &domain.RestartLockError{Owner: lease.RestartOwnerClientID}
		}
		o.logger.Warn("stealing expired restart lock",
			"owner", lease.RestartOwnerClientID, "port", port)
	}

	merged := domain.OwnerLease{Port: port}
	if lease != nil {
		merged = *lease
	}
	merged.RestartOwnerClientID = o.identity.ClientID
	merged.RestartExpectedVersion = expectedVersion
	merged.RestartStartedAt = &now
	merged.UpdatedAt = now

	return o.store.Store(ctx, &merged)
}

// ClearRestartLock releases the restart lock if held by this process.
func (o *Orchestrator) ClearRestartLock(ctx context.Context, port int) error {
	lease, err := o.store.Load(ctx)
	if err != nil || lease == nil {
		return err
	}
	if lease.RestartOwnerClientID != o.identity.ClientID {
		return nil
	}
	lease.RestartOwnerClientID = ""
	lease.RestartExpectedVersion = ""
	lease.RestartStartedAt = nil
	lease.UpdatedAt = o.clock.Now()
	return o.store.Store(ctx, lease)
}

// ComputeRetryBackoff returns a jittered delay within the configured backoff
// window, for client reconnect loops.
func (o *Orchestrator) ComputeRetryBackoff() time.Duration {
	span := o.cfg.RetryBackoffMax - o.cfg.RetryBackoffMin
	if span <= 0 {
		return o.cfg.RetryBackoffMin
	}
	return o.cfg.RetryBackoffMin + rand.N(span)
}
