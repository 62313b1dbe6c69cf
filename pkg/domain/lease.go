package domain

import (
	"path/filepath"
	"time"
)

// OwnerLease is the single shared record declaring which process currently
// owns the singleton bridge. It lives in an unlocked store with
// last-writer-wins semantics; readers must tolerate partial or stale content.
type OwnerLease struct {
	PID                    int        `json:"pid" mapstructure:"pid"`
	Port                   int        `json:"port" mapstructure:"port"`
	Version                string     `json:"version,omitempty" mapstructure:"version"`
	ExtensionPath          string     `json:"extensionPath,omitempty" mapstructure:"extensionPath"`
	Mode                   string     `json:"mode,omitempty" mapstructure:"mode"`
	Commit                 string     `json:"commit,omitempty" mapstructure:"commit"`
	OwnerClientID          string     `json:"ownerClientId" mapstructure:"ownerClientId"`
	UpdatedAt              time.Time  `json:"updatedAt" mapstructure:"updatedAt"`
	LastHeartbeatAt        *time.Time `json:"lastHeartbeatAt,omitempty" mapstructure:"lastHeartbeatAt"`
	LastTakeoverAt         *time.Time `json:"lastTakeoverAt,omitempty" mapstructure:"lastTakeoverAt"`
	RestartOwnerClientID   string     `json:"restartOwnerClientId,omitempty" mapstructure:"restartOwnerClientId"`
	RestartExpectedVersion string     `json:"restartExpectedVersion,omitempty" mapstructure:"restartExpectedVersion"`
	RestartStartedAt       *time.Time `json:"restartStartedAt,omitempty" mapstructure:"restartStartedAt"`
}

// Identity describes one bridge installation. It is compared against a lease
// or a health payload to decide whether a running bridge is "ours".
type Identity struct {
	Version       string
	ExtensionPath string
	Commit        string
	Mode          string
	ClientID      string
}

// MatchesLease reports whether the lease belongs to this identity. The rule
// is an OR: a normalized extension-path match or a version match is enough.
// Two installations sharing a version string therefore count as the same
// owner; that looseness is intentional and relied upon by restart handoff.
func (id Identity) MatchesLease(lease *OwnerLease) bool {
	if lease == nil {
		return false
	}
	if id.ExtensionPath != "" && lease.ExtensionPath != "" &&
		PathsEqual(id.ExtensionPath, lease.ExtensionPath) {
		return true
	}
	return id.Version != "" && id.Version == lease.Version
}

// PathsEqual compares two installation paths after normalization.
func PathsEqual(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
