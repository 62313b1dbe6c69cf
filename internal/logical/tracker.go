// Package logical maps bridge-reported physical monitor transitions and
// attempt-correlated completions into the deduplicated, client-facing
// logical state machine.
package logical

import (
	"log/slog"
	"sync"

	"github.com/aretw0/portino/pkg/domain"
)

// Tracker holds one logical context per port key, created lazily. Reduction
// is pure and deterministic; a context change is only published when it
// differs from the previous one by value.
type Tracker struct {
	mu          sync.Mutex
	contexts    map[domain.PortKey]domain.LogicalContext
	subscribers map[int]func(domain.PortKey, domain.LogicalContext)
	nextSubID   int
	logger      *slog.Logger
	disposed    bool
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		contexts:    make(map[domain.PortKey]domain.LogicalContext),
		subscribers: make(map[int]func(domain.PortKey, domain.LogicalContext)),
		logger:      logger,
	}
}

// Subscribe registers a context-change observer and returns its unsubscribe
// function.
func (t *Tracker) Subscribe(fn func(domain.PortKey, domain.LogicalContext)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subscribers, id)
	}
}

// Context returns the current context for port, creating nothing.
func (t *Tracker) Context(port domain.PortKey) domain.LogicalContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx, ok := t.contexts[port]; ok {
		return ctx
	}
	return domain.NewLogicalContext()
}

// Apply reduces one event into port's context and publishes the result when
// it changed. It returns the resulting context.
func (t *Tracker) Apply(port domain.PortKey, event domain.Event) domain.LogicalContext {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return domain.NewLogicalContext()
	}
	prev, ok := t.contexts[port]
	if !ok {
		prev = domain.NewLogicalContext()
	}
	next := Reduce(prev, event)
	t.contexts[port] = next

	changed := !next.Equal(prev)
	var subs []func(domain.PortKey, domain.LogicalContext)
	if changed {
		subs = make([]func(domain.PortKey, domain.LogicalContext), 0, len(t.subscribers))
		for _, s := range t.subscribers {
			subs = append(subs, s)
		}
	}
	t.mu.Unlock()

	if changed {
		t.logger.Debug("logical context changed",
			"port", port, "state", next.State.Kind, "desired", next.Desired)
		for _, s := range subs {
			s(port, next)
		}
	}
	return next
}

// ApplyAll reduces an ordered event list (e.g. the synthesis of one physical
// transition) into port's context.
func (t *Tracker) ApplyAll(port domain.PortKey, events []domain.Event) domain.LogicalContext {
	ctx := t.Context(port)
	for _, ev := range events {
		ctx = t.Apply(port, ev)
	}
	return ctx
}

// ApplyDetectionSnapshot emits PORT_DETECTED or PORT_LOST for every tracked
// context with a selected port, depending on membership in detected. The
// no-op case — already active and still detected — is skipped outright.
func (t *Tracker) ApplyDetectionSnapshot(detected []domain.PortKey) {
	member := make(map[domain.PortKey]struct{}, len(detected))
	for _, p := range detected {
		member[p] = struct{}{}
	}

	t.mu.Lock()
	type pending struct {
		port  domain.PortKey
		event domain.Event
	}
	var work []pending
	for port, ctx := range t.contexts {
		if ctx.SelectedPort == "" {
			continue
		}
		_, present := member[ctx.SelectedPort]
		if present && ctx.SelectedDetected && ctx.State.Kind == domain.StateActive {
			continue
		}
		ev := domain.Event{Type: domain.EventPortLost, Reason: "resource-missing"}
		if present {
			ev = domain.Event{Type: domain.EventPortDetected}
		}
		work = append(work, pending{port: port, event: ev})
	}
	t.mu.Unlock()

	for _, w := range work {
		t.Apply(w.port, w.event)
	}
}

// Remove publishes the closed state for port and drops its context. Used
// when the last interest in a port is released.
func (t *Tracker) Remove(port domain.PortKey) {
	t.mu.Lock()
	ctx, ok := t.contexts[port]
	if !ok || t.disposed {
		t.mu.Unlock()
		return
	}
	ctx.State = domain.ClosedState()
	ctx.CurrentAttemptID = 0
	delete(t.contexts, port)
	subs := make([]func(domain.PortKey, domain.LogicalContext), 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s(port, ctx)
	}
}

// Dispose clears all contexts and subscribers.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	t.contexts = make(map[domain.PortKey]domain.LogicalContext)
	t.subscribers = make(map[int]func(domain.PortKey, domain.LogicalContext))
}
