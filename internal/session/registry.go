package session

import (
	"sync"

	"github.com/aretw0/portino/pkg/domain"
)

// Registry owns the per-port sessions: a map keyed by port key, created
// lazily and reaped when a session holds no state worth keeping. The caller
// constructs and owns the registry; there is no package-level instance.
//
// All mutation goes through With, which serializes access and publishes the
// resulting snapshot to subscribers, so the sessions themselves stay free of
// locking.
type Registry struct {
	mu          sync.Mutex
	sessions    map[domain.PortKey]*Session
	subscribers map[int]func(Snapshot)
	nextSubID   int
	baudrate    int
	disposed    bool
}

// NewRegistry creates an empty registry. defaultBaudrate seeds new sessions.
func NewRegistry(defaultBaudrate int) *Registry {
	return &Registry{
		sessions:    make(map[domain.PortKey]*Session),
		subscribers: make(map[int]func(Snapshot)),
		baudrate:    defaultBaudrate,
	}
}

// With runs fn against the session for port, creating it on first use, and
// publishes the resulting snapshot. Sessions that end up empty and idle are
// reaped.
func (r *Registry) With(port domain.PortKey, fn func(*Session)) Snapshot {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return Snapshot{Port: port, Status: domain.StatusIdle, Desired: domain.DesiredStopped}
	}
	s, ok := r.sessions[port]
	if !ok {
		s = New(port, r.baudrate)
		r.sessions[port] = s
	}
	fn(s)
	snap := s.Snapshot()
	if s.reapable() {
		delete(r.sessions, port)
	}
	subs := make([]func(Snapshot), 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	// Notify outside the lock; handlers may call back into the registry.
	for _, sub := range subs {
		sub(snap)
	}
	return snap
}

// Peek returns the snapshot for port without creating a session.
func (r *Registry) Peek(port domain.PortKey) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[port]
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Ports returns the port keys with live sessions.
func (r *Registry) Ports() []domain.PortKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]domain.PortKey, 0, len(r.sessions))
	for k := range r.sessions {
		ports = append(ports, k)
	}
	return ports
}

// Subscribe registers a state-change observer and returns its unsubscribe
// function.
func (r *Registry) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

// Dispose clears all sessions and subscribers. Further With calls are no-ops.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
	r.sessions = make(map[domain.PortKey]*Session)
	r.subscribers = make(map[int]func(Snapshot))
}
