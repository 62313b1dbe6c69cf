package portino

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aretw0/portino/internal/adapters/file"
	"github.com/aretw0/portino/internal/adapters/redis"
	"github.com/aretw0/portino/internal/client"
	"github.com/aretw0/portino/internal/config"
	"github.com/aretw0/portino/internal/logical"
	"github.com/aretw0/portino/internal/ownership"
	"github.com/aretw0/portino/internal/resource"
	"github.com/aretw0/portino/internal/session"
	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
	"github.com/aretw0/portino/pkg/ports"
)

// Version is the library version reported in identities and health payloads.
const Version = "0.1.0"

// Monitor is the high-level entry point for consumers: it wires the session
// registry, logical tracker, resource store, ownership arbitration and the
// bridge client into one API.
type Monitor struct {
	cfg      *config.Config
	logger   *slog.Logger
	identity domain.Identity

	sessions  *session.Registry
	tracker   *logical.Tracker
	resources *resource.Store
	orch      *ownership.Orchestrator
	lease     ports.LeaseStore
	launcher  ports.ProcessLauncher
	notifier  ports.Notifier

	cli     *client.Client
	prober  *client.Prober
	ensurer *client.Ensurer

	mu        sync.Mutex
	hb        *client.Heartbeater
	connected bool
	disposed  bool
	detected  map[domain.PortKey]bool
	dataSubs  []func(domain.PortKey, []byte)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithIdentity sets this installation's identity for ownership arbitration.
func WithIdentity(id domain.Identity) Option {
	return func(m *Monitor) { m.identity = id }
}

// WithLauncher injects the process-spawn facility used when no bridge runs.
func WithLauncher(l ports.ProcessLauncher) Option {
	return func(m *Monitor) { m.launcher = l }
}

// WithNotifier injects the user-notification channel for terminal failures.
func WithNotifier(n ports.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithLeaseStore overrides the lease store chosen by the configuration.
func WithLeaseStore(s ports.LeaseStore) Option {
	return func(m *Monitor) { m.lease = s }
}

// New builds a Monitor from configuration. The bridge is not contacted until
// the first operation that needs it.
func New(cfg *config.Config, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &Monitor{
		cfg:      cfg,
		logger:   slog.New(slog.DiscardHandler),
		detected: make(map[domain.PortKey]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.identity.Version == "" {
		m.identity.Version = Version
	}
	if m.identity.ClientID == "" {
		m.identity.ClientID = fmt.Sprintf("portino-%d", os.Getpid())
	}

	if m.launcher == nil {
		m.launcher = noLauncher{}
	}
	if m.lease == nil {
		switch cfg.Lease.Backend {
		case "redis":
			m.lease = redis.New(cfg.Lease.RedisAddr, "", 0)
		default:
			path := cfg.Lease.Path
			if path == "" {
				path = file.DefaultPath()
			}
			m.lease = file.New(path)
		}
	}

	m.sessions = session.NewRegistry(cfg.Bridge.DefaultBaudrate)
	m.tracker = logical.NewTracker(m.logger)
	m.resources = resource.NewStore(m.sessions, m.resume)
	m.orch = ownership.New(m.lease, m.identity, ownership.Config{
		DemandWindow:     time.Duration(cfg.Ownership.DemandWindowMs) * time.Millisecond,
		LocalCooldown:    time.Duration(cfg.Ownership.LocalCooldownMs) * time.Millisecond,
		LeaseFreshWindow: time.Duration(cfg.Ownership.LeaseFreshMs) * time.Millisecond,
		RestartLockTTL:   time.Duration(cfg.Ownership.RestartLockTTLMs) * time.Millisecond,
		RetryBackoffMin:  time.Duration(cfg.Ownership.RetryBackoffMinMs) * time.Millisecond,
		RetryBackoffMax:  time.Duration(cfg.Ownership.RetryBackoffMaxMs) * time.Millisecond,
	}, ownership.WithLogger(m.logger))

	baseURL := "http://" + cfg.Bridge.HTTPAddr
	m.prober = client.NewProber(baseURL, client.ProberOptions{
		Retries: cfg.Client.HealthRetries,
		Backoff: time.Duration(cfg.Client.ReconnectBaseMs) * time.Millisecond,
		Logger:  m.logger,
	})
	m.ensurer = client.NewEnsurer(m.prober, m.orch, m.launcher, m.identity, wirePortOf(cfg.Bridge.WireAddr), m.logger)

	m.cli = client.New(cfg.Bridge.WireAddr, m.identity, client.Handlers{
		OnFrame:      m.onFrame,
		OnDetection:  m.onDetection,
		OnState:      m.onState,
		OnDisconnect: m.onDisconnect,
		OnReconnect:  m.onReconnect,
	}, client.Options{
		ReconnectBase: time.Duration(cfg.Client.ReconnectBaseMs) * time.Millisecond,
		ReconnectMax:  time.Duration(cfg.Client.ReconnectMaxMs) * time.Millisecond,
		OpenTimeout:   cfg.Client.OpenTimeout(),
		Logger:        m.logger,
	})
	return m, nil
}

// Acquire takes a refcounted handle on the port's shared state. The logical
// tracker learns about the selection immediately.
func (m *Monitor) Acquire(port domain.PortKey) *resource.Handle {
	h := m.resources.Acquire(port)
	m.mu.Lock()
	det := m.detected[port]
	m.mu.Unlock()
	m.tracker.Apply(port, domain.Event{Type: domain.EventPortSelected, Port: port, Detected: det})
	return h
}

// Release drops one handle reference.
func (m *Monitor) Release(port domain.PortKey) {
	m.resources.Release(port)
}

// Start records a running intent for the client and drives the session
// toward an open monitor.
func (m *Monitor) Start(ctx context.Context, port domain.PortKey, clientID string) error {
	m.sessions.With(port, func(s *session.Session) {
		s.AttachClient(session.ClientID(clientID))
		s.IntentStart(session.ClientID(clientID))
	})
	m.tracker.Apply(port, domain.Event{Type: domain.EventUserStart})
	// Detection flows over the control channel, so the session cannot make
	// progress until the bridge is connected.
	if err := m.ensureConnected(ctx); err != nil {
		return err
	}
	return m.evaluate(ctx, port)
}

// Stop withdraws the client's running intent. The monitor closes only once
// every intent is gone.
func (m *Monitor) Stop(ctx context.Context, port domain.PortKey, clientID string) error {
	var stopped bool
	m.sessions.With(port, func(s *session.Session) {
		s.IntentStop(session.ClientID(clientID))
		stopped = s.Snapshot().Desired == domain.DesiredStopped
	})
	// Other clients may still want the monitor running; the logical state
	// only flips once the last intent is gone.
	if stopped {
		m.tracker.Apply(port, domain.Event{Type: domain.EventUserStop})
	}
	return m.evaluate(ctx, port)
}

// Detach removes the client from the session entirely.
func (m *Monitor) Detach(ctx context.Context, port domain.PortKey, clientID string) error {
	m.sessions.With(port, func(s *session.Session) {
		s.DetachClient(session.ClientID(clientID))
	})
	return m.evaluate(ctx, port)
}

// Resume restores a running intent on a paused or errored session without
// attributing it to a specific client.
func (m *Monitor) Resume(ctx context.Context, port domain.PortKey) error {
	return m.resume(ctx, port)
}

// resume is the ResumeFunc behind resource handles: it restores a global
// running intent on a suspended session.
func (m *Monitor) resume(ctx context.Context, port domain.PortKey) error {
	m.sessions.With(port, func(s *session.Session) {
		s.IntentResume("")
	})
	if err := m.ensureConnected(ctx); err != nil {
		return err
	}
	return m.evaluate(ctx, port)
}

// Write sends bytes to the port's monitor.
func (m *Monitor) Write(ctx context.Context, port domain.PortKey, data []byte) (int, error) {
	return m.cli.Write(ctx, port, data)
}

// SetBaudrate changes the port's baudrate, cycling a running monitor.
func (m *Monitor) SetBaudrate(ctx context.Context, port domain.PortKey, baudrate int) error {
	var reopen bool
	m.sessions.With(port, func(s *session.Session) {
		reopen = s.SetBaudrate(baudrate)
	})
	m.tracker.Apply(port, domain.Event{Type: domain.EventBaudrateChanged, Baudrate: baudrate})
	if !reopen {
		return nil
	}
	if err := m.cli.CloseMonitor(ctx, port); err != nil {
		m.logger.Warn("monitor close for baudrate change failed", "port", port, "error", err)
	}
	m.sessions.With(port, func(s *session.Session) {
		s.MarkMonitorStopped(domain.PauseStreamClosed)
	})
	return m.evaluate(ctx, port)
}

// Subscribe registers a callback for logical context changes. The returned
// function unsubscribes.
func (m *Monitor) Subscribe(fn func(domain.PortKey, domain.LogicalContext)) func() {
	return m.tracker.Subscribe(fn)
}

// SubscribeData registers a callback for raw monitor output.
func (m *Monitor) SubscribeData(fn func(domain.PortKey, []byte)) {
	m.mu.Lock()
	m.dataSubs = append(m.dataSubs, fn)
	m.mu.Unlock()
}

// Context returns the port's current logical context.
func (m *Monitor) Context(port domain.PortKey) domain.LogicalContext {
	return m.tracker.Context(port)
}

// Snapshot returns the port's session state, if a session exists.
func (m *Monitor) Snapshot(port domain.PortKey) (session.Snapshot, bool) {
	return m.sessions.Peek(port)
}

// DetectedPorts lists the ports the bridge currently sees.
func (m *Monitor) DetectedPorts() []domain.PortKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]domain.PortKey, 0, len(m.detected))
	for k, ok := range m.detected {
		if ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// EnsureBridge guarantees a healthy compatible bridge and a live connection.
func (m *Monitor) EnsureBridge(ctx context.Context) error {
	return m.ensureConnected(ctx)
}

// Dispose tears everything down: the connection, the heartbeat attachment
// and all in-process state.
func (m *Monitor) Dispose(ctx context.Context) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	hb := m.hb
	m.hb = nil
	m.mu.Unlock()

	if hb != nil {
		_ = hb.Stop(ctx)
	}
	_ = m.cli.Close()
	m.resources.Dispose()
	m.tracker.Dispose()
	m.sessions.Dispose()
}

// ensureConnected arbitrates bridge ownership and dials, once.
func (m *Monitor) ensureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return fmt.Errorf("monitor disposed")
	}
	if m.connected && m.cli.Connected() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if _, err := m.ensurer.Ensure(ctx); err != nil {
		m.notifyTerminal("bridge unavailable", err)
		return err
	}
	if m.cli.Connected() {
		return nil
	}
	if err := m.cli.Connect(ctx); err != nil {
		m.notifyTerminal("bridge connection failed", err)
		return err
	}

	hb, err := client.NewHeartbeater(ctx, m.prober, m.identity.ClientID, m.identity.Version, m.logger)
	if err != nil {
		m.logger.Warn("attach failed", "error", err)
	}
	m.mu.Lock()
	m.connected = true
	m.hb = hb
	m.mu.Unlock()
	return nil
}

// evaluate runs the session's next action, if any. Open and close round
// trips run synchronously; the pending flags keep concurrent evaluations
// from duplicating work.
func (m *Monitor) evaluate(ctx context.Context, port domain.PortKey) error {
	var act *session.Action
	m.sessions.With(port, func(s *session.Session) {
		act = s.NextAction()
	})
	if act == nil {
		return nil
	}

	switch act.Kind {
	case session.ActionOpen:
		return m.performOpen(ctx, port, act)
	case session.ActionClose:
		return m.performClose(ctx, port)
	}
	return nil
}

func (m *Monitor) performOpen(ctx context.Context, port domain.PortKey, act *session.Action) error {
	m.tracker.Apply(port, domain.Event{Type: domain.EventOpenRequested, AttemptID: act.AttemptID})

	fail := func(err *domain.MonitorError) error {
		m.sessions.With(port, func(s *session.Session) {
			if err.Code == domain.CodeOpenTimeout {
				s.MarkOpenTimeout(act.AttemptID)
			} else {
				s.MarkOpenError(act.AttemptID, err)
			}
		})
		m.tracker.Apply(port, domain.Event{Type: domain.EventOpenFail, AttemptID: act.AttemptID, Err: err})
		return err
	}

	if err := m.ensureConnected(ctx); err != nil {
		return fail(asMonitorError(err))
	}
	if err := m.cli.Open(ctx, port, act.Baudrate, nil); err != nil {
		return fail(asMonitorError(err))
	}
	if err := m.cli.Subscribe(ctx, port, m.cfg.Bridge.TailBufferBytes); err != nil {
		return fail(asMonitorError(err))
	}

	m.sessions.With(port, func(s *session.Session) {
		s.MarkMonitorStarted(act.AttemptID, string(domain.BuildHandleKey(port, act.Baudrate, nil)))
	})
	m.tracker.Apply(port, domain.Event{Type: domain.EventOpenOK, AttemptID: act.AttemptID})
	// Demand may have flipped while the open was in flight.
	return m.evaluate(ctx, port)
}

func (m *Monitor) performClose(ctx context.Context, port domain.PortKey) error {
	if err := m.cli.CloseMonitor(ctx, port); err != nil {
		m.logger.Warn("monitor close failed", "port", port, "error", err)
	}
	m.sessions.With(port, func(s *session.Session) {
		s.MarkMonitorStopped("")
	})
	return m.evaluate(ctx, port)
}

func (m *Monitor) onFrame(port domain.PortKey, data []byte) {
	m.mu.Lock()
	subs := make([]func(domain.PortKey, []byte), len(m.dataSubs))
	copy(subs, m.dataSubs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(port, data)
	}
}

func (m *Monitor) onDetection(infos []wire.DetectedPortInfo) {
	current := make(map[domain.PortKey]bool, len(infos))
	keys := make([]domain.PortKey, 0, len(infos))
	for _, info := range infos {
		key := domain.PortKey(info.PortKey)
		current[key] = true
		keys = append(keys, key)
	}

	m.mu.Lock()
	m.detected = current
	m.mu.Unlock()

	m.tracker.ApplyDetectionSnapshot(keys)
	for _, port := range m.sessions.Ports() {
		det := current[port]
		m.sessions.With(port, func(s *session.Session) {
			s.MarkDetected(det)
		})
		go m.evaluate(context.Background(), port)
	}
}

func (m *Monitor) onState(port domain.PortKey, state domain.PhysicalState) {
	var attemptID int64
	if snap, ok := m.sessions.Peek(port); ok {
		attemptID = snap.CurrentAttemptID
	}
	m.tracker.ApplyAll(port, logical.FromPhysicalState(port, state, attemptID))
}

func (m *Monitor) onDisconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()

	for _, port := range m.sessions.Ports() {
		m.sessions.With(port, func(s *session.Session) {
			s.MarkMonitorStopped(domain.PauseBridgeGone)
		})
		m.tracker.Apply(port, domain.Event{Type: domain.EventBridgeDisconnected})
	}
}

func (m *Monitor) onReconnect() {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	for _, port := range m.sessions.Ports() {
		go m.evaluate(context.Background(), port)
	}
}

func (m *Monitor) notifyTerminal(msg string, err error) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyError(msg, err)
}

// noLauncher rejects launches; consumers that never configure a launcher can
// still attach to an already-running bridge.
type noLauncher struct{}

func (noLauncher) Launch(context.Context, int) (int, error) {
	return 0, fmt.Errorf("no bridge launcher configured")
}

func asMonitorError(err error) *domain.MonitorError {
	if me, ok := err.(*domain.MonitorError); ok {
		return me
	}
	return &domain.MonitorError{Code: domain.CodeBridgeUnreachable, Message: err.Error()}
}

func wirePortOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}
