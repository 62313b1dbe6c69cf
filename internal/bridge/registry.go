package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
)

// errMonitorNotFound reports an operation against a monitor id the registry
// does not know, either never opened or already torn down.
var errMonitorNotFound = errors.New("monitor not found")

// frameSink receives output frames for one subscribed monitor. Delivery must
// not block the reader pump for long; slow sinks drop.
type frameSink interface {
	deliverFrame(f wire.Frame)
}

// stateFunc is invoked on every physical transition of a handle.
type stateFunc func(monitorID uint32, port domain.PortKey, state domain.PhysicalState)

// monitorHandle is one open port shared by every client that asked for the
// same port with the same configuration.
type monitorHandle struct {
	id       uint32
	key      domain.HandleKey
	port     domain.PortKey
	baudrate int
	options  map[string]string

	// ready is closed once the backend open has settled; openErr carries the
	// failure, if any. Sharers must not see the monitor id before then.
	ready   chan struct{}
	openErr error

	mu    sync.Mutex
	refs  int
	rwc   io.ReadWriteCloser
	tail  *ring
	state domain.PhysicalState
	sinks map[frameSink]struct{}
	done  chan struct{}
}

// handleRegistry refcounts monitor handles per handle key and enforces that a
// physical port is held under at most one configuration at a time.
type handleRegistry struct {
	backends map[string]Backend
	logger   *slog.Logger
	metrics  *Metrics
	tailSize int
	onState  stateFunc

	mu     sync.Mutex
	nextID uint32
	byKey  map[domain.HandleKey]*monitorHandle
	byID   map[uint32]*monitorHandle
	byPort map[domain.PortKey]*monitorHandle
}

func newHandleRegistry(backends []Backend, tailSize int, metrics *Metrics, logger *slog.Logger, onState stateFunc) *handleRegistry {
	byProto := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byProto[b.Protocol()] = b
	}
	return &handleRegistry{
		backends: byProto,
		logger:   logger,
		metrics:  metrics,
		tailSize: tailSize,
		onState:  onState,
		byKey:    make(map[domain.HandleKey]*monitorHandle),
		byID:     make(map[uint32]*monitorHandle),
		byPort:   make(map[domain.PortKey]*monitorHandle),
	}
}

// Open acquires a handle for port under the given configuration. Repeat opens
// of the same configuration share one monitor id; a different configuration
// on a held port is rejected.
func (r *handleRegistry) Open(ctx context.Context, port domain.PortKey, baudrate int, options map[string]string) (uint32, error) {
	key := domain.BuildHandleKey(port, baudrate, options)

	r.mu.Lock()
	if h, ok := r.byKey[key]; ok {
		h.mu.Lock()
		h.refs++
		h.mu.Unlock()
		r.mu.Unlock()

		// The creator may still be inside the backend open. Share the id
		// only once that has settled, and share its failure too.
		select {
		case <-h.ready:
		case <-ctx.Done():
			h.mu.Lock()
			h.refs--
			h.mu.Unlock()
			return 0, ctx.Err()
		}
		if h.openErr != nil {
			return 0, h.openErr
		}
		r.metrics.OpensTotal.WithLabelValues("shared").Inc()
		return h.id, nil
	}
	if held, ok := r.byPort[port]; ok {
		r.mu.Unlock()
		r.metrics.OpenConflicts.Inc()
		r.logger.Warn("open rejected: port held with different config",
			"port", port, "requested", key, "held", held.key)
		return 0, &domain.MonitorError{
			Code:    domain.CodeConfigConflict,
			Message: fmt.Sprintf("port %s is already open with a different configuration", port),
		}
	}

	backend, ok := r.backends[port.Protocol()]
	if !ok {
		r.mu.Unlock()
		r.metrics.OpensTotal.WithLabelValues("failed").Inc()
		return 0, &domain.MonitorError{
			Code:    domain.CodeOpenFailed,
			Message: fmt.Sprintf("no backend for protocol %q", port.Protocol()),
		}
	}

	r.nextID++
	h := &monitorHandle{
		id:       r.nextID,
		key:      key,
		port:     port,
		baudrate: baudrate,
		options:  options,
		refs:     1,
		ready:    make(chan struct{}),
		tail:     newRing(r.tailSize),
		state:    domain.PhysicalCreated,
		sinks:    make(map[frameSink]struct{}),
		done:     make(chan struct{}),
	}
	r.byKey[key] = h
	r.byID[h.id] = h
	r.byPort[port] = h
	r.mu.Unlock()

	r.setState(h, domain.PhysicalStarting)
	rwc, err := backend.OpenPort(ctx, port.Address(), baudrate, options)
	if err != nil {
		openErr := &domain.MonitorError{
			Code:    domain.CodeOpenFailed,
			Message: err.Error(),
		}
		h.openErr = openErr
		r.setState(h, domain.PhysicalFailed)
		// No pump ever ran for this handle, so done must be closed here or
		// a waiting Close would block forever.
		close(h.done)
		close(h.ready)
		r.remove(h)
		r.metrics.OpensTotal.WithLabelValues("failed").Inc()
		r.logger.Error("backend open failed", "port", port, "error", err)
		return 0, openErr
	}

	h.mu.Lock()
	h.rwc = rwc
	h.mu.Unlock()
	r.setState(h, domain.PhysicalStarted)
	close(h.ready)
	r.metrics.OpensTotal.WithLabelValues("opened").Inc()
	r.metrics.ActiveMonitors.Inc()
	r.logger.Info("monitor opened", "port", port, "monitorId", h.id, "baudrate", baudrate)

	go r.pump(h, rwc)
	return h.id, nil
}

// Close releases one reference. The last release tears the port down.
func (r *handleRegistry) Close(monitorID uint32) error {
	r.mu.Lock()
	h, ok := r.byID[monitorID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", errMonitorNotFound, monitorID)
	}

	// Wait for the open to settle; a failed open has already torn down.
	<-h.ready
	if h.openErr != nil {
		return nil
	}

	h.mu.Lock()
	h.refs--
	last := h.refs <= 0
	rwc := h.rwc
	h.mu.Unlock()

	if !last {
		return nil
	}

	r.setState(h, domain.PhysicalStopping)
	if rwc != nil {
		_ = rwc.Close()
	}
	<-h.done
	r.setState(h, domain.PhysicalStopped)
	r.remove(h)
	r.metrics.ActiveMonitors.Dec()
	r.logger.Info("monitor closed", "port", h.port, "monitorId", h.id)
	return nil
}

// Subscribe attaches sink to monitorID and returns up to tailBytes of
// buffered history, oldest first.
func (r *handleRegistry) Subscribe(monitorID uint32, sink frameSink, tailBytes int) ([]byte, error) {
	r.mu.Lock()
	h, ok := r.byID[monitorID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", errMonitorNotFound, monitorID)
	}
	h.mu.Lock()
	h.sinks[sink] = struct{}{}
	h.mu.Unlock()
	return h.tail.Tail(tailBytes), nil
}

func (r *handleRegistry) Unsubscribe(monitorID uint32, sink frameSink) {
	r.mu.Lock()
	h, ok := r.byID[monitorID]
	r.mu.Unlock()
	if !ok {
		return
	}
	h.mu.Lock()
	delete(h.sinks, sink)
	h.mu.Unlock()
}

// Write sends data to the port behind monitorID.
func (r *handleRegistry) Write(monitorID uint32, data []byte) (int, error) {
	r.mu.Lock()
	h, ok := r.byID[monitorID]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %d", errMonitorNotFound, monitorID)
	}
	h.mu.Lock()
	rwc := h.rwc
	h.mu.Unlock()
	if rwc == nil {
		return 0, &domain.MonitorError{
			Code:    domain.CodeOpenFailed,
			Message: fmt.Sprintf("monitor %d is not started", monitorID),
		}
	}
	n, err := rwc.Write(data)
	if err == nil {
		r.metrics.WrittenBytes.Add(float64(n))
	}
	return n, err
}

// State reports the current physical state of monitorID.
func (r *handleRegistry) State(monitorID uint32) (domain.PhysicalState, bool) {
	r.mu.Lock()
	h, ok := r.byID[monitorID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, true
}

// CloseAll tears down every handle regardless of refcounts. Used on shutdown.
func (r *handleRegistry) CloseAll() {
	r.mu.Lock()
	handles := make([]*monitorHandle, 0, len(r.byID))
	for _, h := range r.byID {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		h.refs = 1
		h.mu.Unlock()
		_ = r.Close(h.id)
	}
}

// pump copies port output into the tail buffer and fans it out to frame
// sinks until the port closes or errors.
func (r *handleRegistry) pump(h *monitorHandle, rwc io.Reader) {
	defer close(h.done)
	buf := make([]byte, 4096)
	for {
		n, err := rwc.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			h.tail.Write(payload)
			r.metrics.StreamedBytes.WithLabelValues(string(h.port)).Add(float64(n))

			h.mu.Lock()
			sinks := make([]frameSink, 0, len(h.sinks))
			for s := range h.sinks {
				sinks = append(sinks, s)
			}
			h.mu.Unlock()
			for _, s := range sinks {
				s.deliverFrame(wire.Frame{MonitorID: h.id, Kind: wire.FrameKindData, Payload: payload})
			}
		}
		if err != nil {
			h.mu.Lock()
			stopping := h.state == domain.PhysicalStopping || h.state == domain.PhysicalStopped
			h.mu.Unlock()
			if !stopping && err != io.EOF {
				r.logger.Warn("monitor read failed", "port", h.port, "monitorId", h.id, "error", err)
				r.setState(h, domain.PhysicalFailed)
			}
			return
		}
	}
}

func (r *handleRegistry) setState(h *monitorHandle, state domain.PhysicalState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	if r.onState != nil {
		r.onState(h.id, h.port, state)
	}
}

func (r *handleRegistry) remove(h *monitorHandle) {
	r.mu.Lock()
	delete(r.byKey, h.key)
	delete(r.byID, h.id)
	if cur, ok := r.byPort[h.port]; ok && cur == h {
		delete(r.byPort, h.port)
	}
	r.mu.Unlock()
}
