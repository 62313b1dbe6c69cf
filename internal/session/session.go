// Package session reconciles the desired monitor state of N independent
// clients against the actual monitor state reported by the bridge, one
// state machine per port key.
//
// Sessions are event-driven and single-threaded: every mutation happens
// synchronously inside one method call, and the Registry serializes calls,
// so the Session itself carries no locking. NextAction is the only place a
// wire operation is ever decided; while one is in flight the pending flags
// make it idempotent-nil.
package session

import (
	"sort"

	"github.com/aretw0/portino/pkg/domain"
)

// ClientID identifies one UI consumer attached to a session.
type ClientID string

// GlobalClient is the sentinel id recorded for non-scoped start/stop intents.
const GlobalClient ClientID = "*"

// ActionKind tags the wire operation NextAction decided on.
type ActionKind string

const (
	ActionOpen  ActionKind = "open"
	ActionClose ActionKind = "close"
)

// Action is the wire operation the caller must perform next.
type Action struct {
	Kind      ActionKind
	AttemptID int64 // open only
	Baudrate  int   // open only
}

// Session is the per-port state machine.
type Session struct {
	port domain.PortKey

	desired domain.Desired
	status  domain.SessionStatus

	clients       map[ClientID]struct{}
	runningIntent map[ClientID]struct{}

	detected     bool
	openPending  bool
	closePending bool

	attemptCounter         int64
	currentAttemptID       int64
	lastCompletedAttemptID int64

	pauseReason domain.PauseReason
	lastErr     *domain.MonitorError

	monitorSessionID string
	baudrate         int
}

// New creates an idle session for the given port.
func New(port domain.PortKey, baudrate int) *Session {
	return &Session{
		port:          port,
		desired:       domain.DesiredStopped,
		status:        domain.StatusIdle,
		clients:       make(map[ClientID]struct{}),
		runningIntent: make(map[ClientID]struct{}),
		baudrate:      baudrate,
	}
}

// AttachClient records a client's interest in this port.
func (s *Session) AttachClient(id ClientID) {
	s.clients[id] = struct{}{}
}

// DetachClient removes a client. A departing client takes its running intent
// with it. The last detach resets ephemeral state; an in-flight active or
// connecting monitor keeps its status so the close still gets issued, while
// everything else falls back to idle.
func (s *Session) DetachClient(id ClientID) {
	delete(s.clients, id)
	delete(s.runningIntent, id)
	s.recomputeDesired()

	if len(s.clients) > 0 {
		return
	}
	s.lastErr = nil
	s.pauseReason = ""
	if s.status != domain.StatusActive && s.status != domain.StatusConnecting {
		s.status = domain.StatusIdle
	}
}

// IntentStart records that a client wants the monitor running. An empty id
// records the global sentinel.
func (s *Session) IntentStart(id ClientID) {
	if id == "" {
		id = GlobalClient
	}
	s.runningIntent[id] = struct{}{}
	s.recomputeDesired()
}

// IntentStop withdraws one client's running intent. Stop is deferred until
// the last interested client has withdrawn.
func (s *Session) IntentStop(id ClientID) {
	if id == "" {
		id = GlobalClient
	}
	delete(s.runningIntent, id)
	s.recomputeDesired()
}

// IntentResume re-adds a running intent after a pause or error. It behaves
// like IntentStart; NextAction reopens because paused and error states are
// openable.
func (s *Session) IntentResume(id ClientID) {
	s.IntentStart(id)
}

// recomputeDesired holds the invariant: desired == running iff the
// running-intent set is non-empty.
func (s *Session) recomputeDesired() {
	if len(s.runningIntent) > 0 {
		s.desired = domain.DesiredRunning
	} else {
		s.desired = domain.DesiredStopped
	}
}

// NextAction is the pure transition function, called after each mutation.
// It returns the single wire operation to perform now, or nil. It never
// emits while an open or close is already pending.
func (s *Session) NextAction() *Action {
	if s.openPending || s.closePending {
		return nil
	}

	if s.desired == domain.DesiredRunning && len(s.clients) > 0 && s.detected && s.openable() {
		s.attemptCounter++
		s.currentAttemptID = s.attemptCounter
		s.status = domain.StatusConnecting
		s.lastErr = nil
		s.pauseReason = ""
		s.openPending = true
		return &Action{Kind: ActionOpen, AttemptID: s.currentAttemptID, Baudrate: s.baudrate}
	}

	if s.desired == domain.DesiredStopped &&
		(s.status == domain.StatusActive || s.status == domain.StatusConnecting) {
		s.closePending = true
		return &Action{Kind: ActionClose}
	}

	return nil
}

func (s *Session) openable() bool {
	switch s.status {
	case domain.StatusIdle, domain.StatusPaused, domain.StatusError:
		return true
	}
	return false
}

// MarkDetected records a detection transition. Losing the device under an
// active or connecting monitor pauses the session and clears the pending
// flags and attempt correlation so it can re-evaluate once detection returns;
// any late completion for the cleared attempt is dropped as stale.
func (s *Session) MarkDetected(detected bool) {
	s.detected = detected
	if detected {
		return
	}
	if s.status == domain.StatusActive || s.status == domain.StatusConnecting {
		s.status = domain.StatusPaused
		s.pauseReason = domain.PauseResourceMissing
	}
	s.openPending = false
	s.closePending = false
	s.currentAttemptID = 0
}

// MarkMonitorStarted records a successful open. Completions for any attempt
// other than the current one are dropped.
func (s *Session) MarkMonitorStarted(attemptID int64, monitorSessionID string) {
	if attemptID != s.currentAttemptID {
		return
	}
	s.status = domain.StatusActive
	s.openPending = false
	s.closePending = false
	s.lastErr = nil
	s.pauseReason = ""
	s.monitorSessionID = monitorSessionID
	s.lastCompletedAttemptID = attemptID
}

// MarkMonitorStopped records that the monitor is gone, whether from an
// explicit close or a stream teardown. With remaining demand the session
// parks in paused so the next evaluation reopens; otherwise it is idle.
func (s *Session) MarkMonitorStopped(reason domain.PauseReason) {
	s.openPending = false
	s.closePending = false
	s.monitorSessionID = ""

	if s.desired == domain.DesiredRunning && len(s.clients) > 0 {
		s.status = domain.StatusPaused
		if reason == "" {
			reason = domain.PauseStreamClosed
		}
		s.pauseReason = reason
	} else {
		s.status = domain.StatusIdle
		s.pauseReason = ""
	}
}

// MarkOpenError records a failed open attempt. Stale attempts are dropped.
// The error state persists until the next successful open or explicit stop.
func (s *Session) MarkOpenError(attemptID int64, err *domain.MonitorError) {
	if attemptID != s.currentAttemptID {
		return
	}
	s.status = domain.StatusError
	s.openPending = false
	if err == nil {
		err = &domain.MonitorError{Code: domain.CodeOpenFailed}
	}
	s.lastErr = err
	s.lastCompletedAttemptID = attemptID
}

// MarkOpenTimeout records an open that never completed. It collapses into the
// same error status as MarkOpenError; the code keeps the timeout
// distinguishable for callers.
func (s *Session) MarkOpenTimeout(attemptID int64) {
	s.MarkOpenError(attemptID, &domain.MonitorError{
		Code:    domain.CodeOpenTimeout,
		Message: "monitor open timed out",
	})
}

// SetBaudrate records a new baudrate. It returns true when a monitor is
// currently up (or being opened) and must be cycled for the change to take
// effect; the caller closes it and lets the next evaluation reopen.
func (s *Session) SetBaudrate(baudrate int) (reopen bool) {
	if baudrate == s.baudrate {
		return false
	}
	s.baudrate = baudrate
	return s.status == domain.StatusActive || s.status == domain.StatusConnecting
}

// reapable reports whether the session carries no state worth keeping.
func (s *Session) reapable() bool {
	return len(s.clients) == 0 &&
		len(s.runningIntent) == 0 &&
		s.status == domain.StatusIdle &&
		!s.openPending && !s.closePending
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	Port                   domain.PortKey
	Desired                domain.Desired
	Status                 domain.SessionStatus
	Clients                []ClientID
	RunningIntent          []ClientID
	Detected               bool
	OpenPending            bool
	ClosePending           bool
	CurrentAttemptID       int64
	LastCompletedAttemptID int64
	PauseReason            domain.PauseReason
	LastError              *domain.MonitorError
	MonitorSessionID       string
	Baudrate               int
}

// Snapshot returns a copy of the current state with deterministic ordering.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Port:                   s.port,
		Desired:                s.desired,
		Status:                 s.status,
		Clients:                sortedIDs(s.clients),
		RunningIntent:          sortedIDs(s.runningIntent),
		Detected:               s.detected,
		OpenPending:            s.openPending,
		ClosePending:           s.closePending,
		CurrentAttemptID:       s.currentAttemptID,
		LastCompletedAttemptID: s.lastCompletedAttemptID,
		PauseReason:            s.pauseReason,
		LastError:              s.lastErr,
		MonitorSessionID:       s.monitorSessionID,
		Baudrate:               s.baudrate,
	}
}

func sortedIDs(set map[ClientID]struct{}) []ClientID {
	ids := make([]ClientID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
