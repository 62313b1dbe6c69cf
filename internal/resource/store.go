// Package resource shares one monitor subscription among any number of UI
// surfaces through refcounted per-port handles.
package resource

import (
	"context"
	"sync"

	"github.com/aretw0/portino/internal/session"
	"github.com/aretw0/portino/pkg/domain"
)

// ResumeFunc asks the owning layer to resume a suspended monitor.
type ResumeFunc func(ctx context.Context, port domain.PortKey) error

// Store is the keyed registry of resource handles: created on first acquire,
// destroyed when the refcount drops to zero.
type Store struct {
	mu       sync.Mutex
	registry *session.Registry
	resume   ResumeFunc
	handles  map[domain.PortKey]*Handle
}

// NewStore creates a store over the given session registry. resume is called
// by Handle.Resume; it may be nil when resuming is not supported.
func NewStore(registry *session.Registry, resume ResumeFunc) *Store {
	return &Store{
		registry: registry,
		resume:   resume,
		handles:  make(map[domain.PortKey]*Handle),
	}
}

// Acquire returns the handle for port, creating and subscribing it on first
// use, and increments its refcount.
func (s *Store) Acquire(port domain.PortKey) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[port]
	if !ok {
		h = &Handle{port: port, store: s}
		if snap, live := s.registry.Peek(port); live {
			h.state = snap
		} else {
			h.state = session.Snapshot{
				Port:    port,
				Status:  domain.StatusIdle,
				Desired: domain.DesiredStopped,
			}
		}
		h.unsubscribe = s.registry.Subscribe(func(snap session.Snapshot) {
			if snap.Port == port {
				h.setState(snap)
			}
		})
		s.handles[port] = h
	}
	h.refs++
	return h
}

// Release decrements port's refcount; at zero the handle unsubscribes and is
// removed. Releasing an unknown port is a no-op.
func (s *Store) Release(port domain.PortKey) {
	s.mu.Lock()
	h, ok := s.handles[port]
	if !ok {
		s.mu.Unlock()
		return
	}
	h.refs--
	done := h.refs <= 0
	if done {
		delete(s.handles, port)
	}
	s.mu.Unlock()

	if done {
		h.unsubscribe()
	}
}

// Refcount reports the current refcount for port.
func (s *Store) Refcount(port domain.PortKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[port]; ok {
		return h.refs
	}
	return 0
}

// Dispose releases every handle.
func (s *Store) Dispose() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[domain.PortKey]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		h.unsubscribe()
	}
}

// Handle is one refcounted per-port resource. It caches the latest session
// snapshot so surfaces can render without a round trip.
type Handle struct {
	port        domain.PortKey
	store       *Store
	unsubscribe func()

	mu    sync.Mutex
	refs  int
	state session.Snapshot
}

// Port returns the handle's port key.
func (h *Handle) Port() domain.PortKey { return h.port }

// State returns the cached session snapshot.
func (h *Handle) State() session.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(snap session.Snapshot) {
	h.mu.Lock()
	h.state = snap
	h.mu.Unlock()
}

// Resume calls into the session layer only when the cached state is
// suspended (paused or errored) and optimistically marks the cache as
// connecting on success. A resume on a healthy monitor is a no-op.
func (h *Handle) Resume(ctx context.Context) error {
	h.mu.Lock()
	suspended := h.state.Status == domain.StatusPaused || h.state.Status == domain.StatusError
	h.mu.Unlock()

	if !suspended || h.store.resume == nil {
		return nil
	}
	if err := h.store.resume(ctx, h.port); err != nil {
		return err
	}

	h.mu.Lock()
	if h.state.Status == domain.StatusPaused || h.state.Status == domain.StatusError {
		h.state.Status = domain.StatusConnecting
		h.state.Desired = domain.DesiredRunning
	}
	h.mu.Unlock()
	return nil
}
