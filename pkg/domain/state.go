package domain

// LogicalStateKind tags the variants of the client-facing logical state.
type LogicalStateKind string

const (
	StateIdle           LogicalStateKind = "idle"
	StateWaitingForPort LogicalStateKind = "waitingForPort"
	StateConnecting     LogicalStateKind = "connecting"
	StateActive         LogicalStateKind = "active"
	StatePaused         LogicalStateKind = "paused"
	StateError          LogicalStateKind = "error"
	StateClosed         LogicalStateKind = "closed"
)

// LogicalState is the tagged union published to UI consumers. Only the
// fields relevant to the Kind are populated.
type LogicalState struct {
	Kind      LogicalStateKind `json:"kind"`
	Port      PortKey          `json:"port,omitempty"`      // connecting, active, paused; optional for error
	Reason    string           `json:"reason,omitempty"`    // waitingForPort, paused
	Err       *MonitorError    `json:"error,omitempty"`     // error
	Resumable bool             `json:"resumable,omitempty"` // error
}

func IdleState() LogicalState { return LogicalState{Kind: StateIdle} }
func ClosedState() LogicalState { return LogicalState{Kind: StateClosed} }

func WaitingForPort(reason string) LogicalState {
	return LogicalState{Kind: StateWaitingForPort, Reason: reason}
}

func ConnectingState(port PortKey) LogicalState {
	return LogicalState{Kind: StateConnecting, Port: port}
}

func ActiveState(port PortKey) LogicalState {
	return LogicalState{Kind: StateActive, Port: port}
}

func PausedState(port PortKey, reason string) LogicalState {
	return LogicalState{Kind: StatePaused, Port: port, Reason: reason}
}

func ErrorState(port PortKey, err *MonitorError, resumable bool) LogicalState {
	return LogicalState{Kind: StateError, Port: port, Err: err, Resumable: resumable}
}

// Equal reports value equality across variant tag and payload.
func (s LogicalState) Equal(o LogicalState) bool {
	return s.Kind == o.Kind &&
		s.Port == o.Port &&
		s.Reason == o.Reason &&
		s.Resumable == o.Resumable &&
		s.Err.Equal(o.Err)
}

// LogicalContext is the full per-port view a late-joining observer needs.
type LogicalContext struct {
	SelectedPort           PortKey       `json:"selectedPort,omitempty"`
	SelectedDetected       bool          `json:"selectedDetected"`
	Desired                Desired       `json:"desired"`
	CurrentAttemptID       int64         `json:"currentAttemptId,omitempty"`
	LastCompletedAttemptID int64         `json:"lastCompletedAttemptId,omitempty"`
	LastError              *MonitorError `json:"lastError,omitempty"`
	State                  LogicalState  `json:"state"`
}

// NewLogicalContext returns the zero context: nothing selected, stopped, idle.
func NewLogicalContext() LogicalContext {
	return LogicalContext{
		Desired: DesiredStopped,
		State:   IdleState(),
	}
}

// Equal is the deduplication predicate: contexts compare by desired state,
// attempt ids, detection flag, port identity, logical variant and payload,
// and last error.
func (c LogicalContext) Equal(o LogicalContext) bool {
	return c.SelectedPort == o.SelectedPort &&
		c.SelectedDetected == o.SelectedDetected &&
		c.Desired == o.Desired &&
		c.CurrentAttemptID == o.CurrentAttemptID &&
		c.LastCompletedAttemptID == o.LastCompletedAttemptID &&
		c.LastError.Equal(o.LastError) &&
		c.State.Equal(o.State)
}
