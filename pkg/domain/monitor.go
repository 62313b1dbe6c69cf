package domain

// Desired is what the clients collectively want the monitor to be doing.
type Desired string

const (
	DesiredRunning Desired = "running"
	DesiredStopped Desired = "stopped"
)

// SessionStatus is the coarse per-port session status tracked against the
// bridge's actual monitor state.
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusConnecting SessionStatus = "connecting"
	StatusActive     SessionStatus = "active"
	StatusPaused     SessionStatus = "paused"
	StatusError      SessionStatus = "error"
)

// PauseReason explains why an otherwise wanted monitor is not running.
type PauseReason string

const (
	PauseResourceMissing PauseReason = "resource-missing"
	PauseStreamClosed    PauseReason = "stream-closed"
	PauseBridgeGone      PauseReason = "bridge-disconnected"
)

// PhysicalState is the raw monitor transition alphabet reported by the
// bridge process.
type PhysicalState string

const (
	PhysicalCreated  PhysicalState = "CREATED"
	PhysicalStarting PhysicalState = "STARTING"
	PhysicalStarted  PhysicalState = "STARTED"
	PhysicalStopping PhysicalState = "STOPPING"
	PhysicalStopped  PhysicalState = "STOPPED"
	PhysicalFailed   PhysicalState = "FAILED"
)
