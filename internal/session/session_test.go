package session

import (
	"testing"

	"github.com/aretw0/portino/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPort = domain.PortKey("serial|/dev/ttyACM0")

func TestSession_SingleOpenForConcurrentStarts(t *testing.T) {
	s := New(testPort, 115200)
	s.AttachClient("a")
	s.AttachClient("b")
	s.IntentStart("a")
	s.IntentStart("b")
	s.MarkDetected(true)

	act := s.NextAction()
	require.NotNil(t, act)
	assert.Equal(t, ActionOpen, act.Kind)
	assert.Equal(t, int64(1), act.AttemptID)
	assert.Equal(t, 115200, act.Baudrate)

	// While the open is pending, every further evaluation is a no-op.
	assert.Nil(t, s.NextAction())
	s.IntentStart("c")
	assert.Nil(t, s.NextAction())

	s.MarkMonitorStarted(1, "mon-1")
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.Equal(t, []ClientID{"a", "b"}, snap.Clients)
	assert.Equal(t, int64(1), snap.LastCompletedAttemptID)
}

func TestSession_StopDeferredUntilLastClient(t *testing.T) {
	s := startedSession(t, "a", "b")

	s.IntentStop("a")
	assert.Equal(t, domain.DesiredRunning, s.Snapshot().Desired)
	assert.Nil(t, s.NextAction())

	s.IntentStop("b")
	assert.Equal(t, domain.DesiredStopped, s.Snapshot().Desired)
	act := s.NextAction()
	require.NotNil(t, act)
	assert.Equal(t, ActionClose, act.Kind)
	assert.True(t, s.Snapshot().ClosePending)

	s.MarkMonitorStopped("")
	assert.Equal(t, domain.StatusIdle, s.Snapshot().Status)
}

func TestSession_DesiredTracksIntentSet(t *testing.T) {
	s := New(testPort, 0)
	assert.Equal(t, domain.DesiredStopped, s.Snapshot().Desired)

	s.IntentStart("") // global sentinel
	assert.Equal(t, domain.DesiredRunning, s.Snapshot().Desired)
	s.IntentStart("a")
	s.IntentStop("")
	assert.Equal(t, domain.DesiredRunning, s.Snapshot().Desired)
	s.IntentStop("a")
	assert.Equal(t, domain.DesiredStopped, s.Snapshot().Desired)
}

func TestSession_DetectionCyclesReopenOncePerCycle(t *testing.T) {
	s := startedSession(t, "a", "b")

	opens := 0
	for cycle := 0; cycle < 2; cycle++ {
		s.MarkDetected(false)
		snap := s.Snapshot()
		assert.Equal(t, domain.StatusPaused, snap.Status)
		assert.Equal(t, domain.PauseResourceMissing, snap.PauseReason)
		assert.False(t, snap.OpenPending)
		assert.Zero(t, snap.CurrentAttemptID)
		assert.Nil(t, s.NextAction(), "no open while undetected")

		s.MarkMonitorStopped(domain.PauseStreamClosed)
		assert.Equal(t, domain.StatusPaused, s.Snapshot().Status)

		s.MarkDetected(true)
		act := s.NextAction()
		require.NotNil(t, act)
		assert.Equal(t, ActionOpen, act.Kind)
		opens++
		assert.Nil(t, s.NextAction(), "second evaluation in a cycle must not open again")
		s.MarkMonitorStarted(act.AttemptID, "mon")
	}

	assert.Equal(t, 2, opens)
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.Equal(t, []ClientID{"a", "b"}, snap.Clients)
	assert.Equal(t, domain.DesiredRunning, snap.Desired)
}

func TestSession_StaleCompletionsDropped(t *testing.T) {
	s := startedSession(t, "a")

	// Lose and regain the device; the old attempt id was cleared.
	s.MarkDetected(false)
	s.MarkMonitorStopped("")
	s.MarkDetected(true)
	act := s.NextAction()
	require.NotNil(t, act)

	s.MarkOpenError(act.AttemptID-1, &domain.MonitorError{Code: domain.CodeOpenFailed})
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusConnecting, snap.Status, "stale error must not transition")
	assert.Nil(t, snap.LastError)

	s.MarkMonitorStarted(act.AttemptID-1, "old")
	assert.Equal(t, domain.StatusConnecting, s.Snapshot().Status)

	s.MarkMonitorStarted(act.AttemptID, "new")
	assert.Equal(t, domain.StatusActive, s.Snapshot().Status)
}

func TestSession_OpenErrorAndResume(t *testing.T) {
	s := New(testPort, 9600)
	s.AttachClient("a")
	s.IntentStart("a")
	s.MarkDetected(true)

	act := s.NextAction()
	require.NotNil(t, act)
	s.MarkOpenError(act.AttemptID, &domain.MonitorError{Code: domain.CodeOpenFailed, Status: 502, Message: "bad gateway"})

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusError, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, 502, snap.LastError.Status)
	assert.False(t, snap.OpenPending)
	assert.Equal(t, act.AttemptID, snap.LastCompletedAttemptID)

	// Error state persists until the next successful open.
	assert.Equal(t, domain.DesiredRunning, snap.Desired)
	act2 := s.NextAction()
	require.NotNil(t, act2, "error status is openable while desired=running")
	assert.Equal(t, act.AttemptID+1, act2.AttemptID)
	s.MarkMonitorStarted(act2.AttemptID, "mon")
	assert.Nil(t, s.Snapshot().LastError)
}

func TestSession_OpenTimeoutKeepsDistinguishableCode(t *testing.T) {
	s := New(testPort, 9600)
	s.AttachClient("a")
	s.IntentStart("a")
	s.MarkDetected(true)
	act := s.NextAction()
	require.NotNil(t, act)

	s.MarkOpenTimeout(act.AttemptID)
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusError, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, domain.CodeOpenTimeout, snap.LastError.Code)
}

func TestSession_AtMostOnePendingFlag(t *testing.T) {
	s := startedSession(t, "a")

	s.IntentStop("a")
	act := s.NextAction()
	require.NotNil(t, act)
	require.Equal(t, ActionClose, act.Kind)

	snap := s.Snapshot()
	assert.False(t, snap.OpenPending && snap.ClosePending)
	assert.Nil(t, s.NextAction())

	// Demand returning while the close is in flight must wait it out.
	s.IntentStart("a")
	assert.Nil(t, s.NextAction())
	s.MarkMonitorStopped("")
	act = s.NextAction()
	require.NotNil(t, act)
	assert.Equal(t, ActionOpen, act.Kind)
}

func TestSession_LastDetachResets(t *testing.T) {
	s := startedSession(t, "a")

	s.DetachClient("a")
	snap := s.Snapshot()
	assert.Equal(t, domain.DesiredStopped, snap.Desired, "detach withdraws intent")
	assert.Equal(t, domain.StatusActive, snap.Status, "in-flight monitor keeps its status")

	act := s.NextAction()
	require.NotNil(t, act)
	assert.Equal(t, ActionClose, act.Kind)
	s.MarkMonitorStopped("")
	assert.Equal(t, domain.StatusIdle, s.Snapshot().Status)
}

func TestSession_LastDetachFromErrorFallsBackToIdle(t *testing.T) {
	s := New(testPort, 9600)
	s.AttachClient("a")
	s.IntentStart("a")
	s.MarkDetected(true)
	act := s.NextAction()
	require.NotNil(t, act)
	s.MarkOpenError(act.AttemptID, &domain.MonitorError{Code: domain.CodeOpenFailed})

	s.DetachClient("a")
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Nil(t, snap.LastError)
	assert.Empty(t, snap.PauseReason)
}

func TestSession_BaudrateChangeCyclesActiveMonitor(t *testing.T) {
	s := startedSession(t, "a")

	assert.False(t, s.SetBaudrate(s.Snapshot().Baudrate), "unchanged baudrate is a no-op")
	require.True(t, s.SetBaudrate(9600))

	// Caller closes, stop arrives, next evaluation reopens at the new rate.
	s.MarkMonitorStopped("")
	act := s.NextAction()
	require.NotNil(t, act)
	assert.Equal(t, ActionOpen, act.Kind)
	assert.Equal(t, 9600, act.Baudrate)
}

// startedSession returns a session with the given clients attached, all
// wanting the monitor running, and the monitor active.
func startedSession(t *testing.T, clients ...ClientID) *Session {
	t.Helper()
	s := New(testPort, 115200)
	for _, c := range clients {
		s.AttachClient(c)
		s.IntentStart(c)
	}
	s.MarkDetected(true)
	act := s.NextAction()
	require.NotNil(t, act)
	require.Equal(t, ActionOpen, act.Kind)
	s.MarkMonitorStarted(act.AttemptID, "mon")
	require.Equal(t, domain.StatusActive, s.Snapshot().Status)
	return s
}
