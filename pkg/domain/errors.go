package domain

import "fmt"

// ErrorCode classifies terminal and recoverable failures across the bridge
// client and server.
type ErrorCode string

const (
	CodeBridgeUnreachable     ErrorCode = "bridge-unreachable"
	CodeBridgeInUse           ErrorCode = "bridge-in-use"
	CodeOpenTimeout           ErrorCode = "open-timeout"
	CodeOpenFailed            ErrorCode = "open-failed"
	CodeConfigConflict        ErrorCode = "config-conflict"
	CodeRestartLockContention ErrorCode = "restart-lock-contention"
	CodeTakeoverDenied        ErrorCode = "takeover-denied"
)

// MonitorError is the structured error a session records after a failed open.
// Status carries the HTTP-ish status when the failure came from a control
// response, so callers can tell a 502 apart from a timeout.
type MonitorError struct {
	Code    ErrorCode `json:"code"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

func (e *MonitorError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Equal reports value equality, treating two nils as equal.
func (e *MonitorError) Equal(o *MonitorError) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.Code == o.Code && e.Status == o.Status && e.Message == o.Message
}

// BridgeInUseReason explains why a running bridge was rejected.
type BridgeInUseReason string

const (
	InUseWrongOwner         BridgeInUseReason = "wrong-owner"
	InUseVersionMismatch    BridgeInUseReason = "version-mismatch"
	InUseUnexpectedResponse BridgeInUseReason = "unexpected-response"
)

// BridgeInUseError reports a foreign process holding the bridge port with an
// incompatible identity. This is never auto-resolved: killing a possibly
// legitimate foreign owner is unsafe, so it surfaces to the caller as-is.
type BridgeInUseError struct {
	Port   int
	Reason BridgeInUseReason
}

func (e *BridgeInUseError) Error() string {
	return fmt.Sprintf("bridge port %d in use: %s", e.Port, e.Reason)
}

// TakeoverReason explains a denied takeover evaluation.
type TakeoverReason string

const (
	TakeoverDemandInactive         TakeoverReason = "demand-inactive"
	TakeoverCooldownLocal          TakeoverReason = "cooldown-local"
	TakeoverCooldownShared         TakeoverReason = "cooldown-shared"
	TakeoverLeaseFreshForeignOwner TakeoverReason = "lease-fresh-foreign-owner"
)

// RestartLockError reports a restart lock held by another orchestrator.
type RestartLockError struct {
	Owner string
}

func (e *RestartLockError) Error() string {
	return fmt.Sprintf("restart-lock-foreign: held by %s", e.Owner)
}
