package session

import (
	"testing"

	"github.com/aretw0/portino/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LazyCreationAndIsolation(t *testing.T) {
	r := NewRegistry(115200)
	portA := domain.PortKey("serial|/dev/ttyACM0")
	portB := domain.PortKey("serial|/dev/ttyACM1")

	r.With(portA, func(s *Session) {
		s.AttachClient("a")
		s.IntentStart("a")
		s.MarkDetected(true)
	})
	r.With(portB, func(s *Session) {
		s.AttachClient("b")
	})

	snapA, ok := r.Peek(portA)
	require.True(t, ok)
	snapB, ok := r.Peek(portB)
	require.True(t, ok)

	assert.Equal(t, domain.DesiredRunning, snapA.Desired)
	assert.Equal(t, domain.DesiredStopped, snapB.Desired, "port B must not observe port A's intents")
	assert.True(t, snapA.Detected)
	assert.False(t, snapB.Detected)
	assert.Len(t, r.Ports(), 2)
}

func TestRegistry_PublishesSnapshots(t *testing.T) {
	r := NewRegistry(0)
	port := domain.PortKey("serial|/dev/ttyUSB0")

	var got []Snapshot
	unsubscribe := r.Subscribe(func(s Snapshot) { got = append(got, s) })

	r.With(port, func(s *Session) { s.AttachClient("a") })
	require.Len(t, got, 1)
	assert.Equal(t, port, got[0].Port)
	assert.Equal(t, []ClientID{"a"}, got[0].Clients)

	unsubscribe()
	r.With(port, func(s *Session) { s.IntentStart("a") })
	assert.Len(t, got, 1, "unsubscribed observer must not be called")
}

func TestRegistry_ReapsEmptyIdleSessions(t *testing.T) {
	r := NewRegistry(0)
	port := domain.PortKey("serial|/dev/ttyUSB0")

	r.With(port, func(s *Session) {
		s.AttachClient("a")
	})
	require.Len(t, r.Ports(), 1)

	r.With(port, func(s *Session) {
		s.DetachClient("a")
	})
	assert.Empty(t, r.Ports(), "empty idle session is removed")

	// An active monitor survives the last detach until its close completes.
	r.With(port, func(s *Session) {
		s.AttachClient("a")
		s.IntentStart("a")
		s.MarkDetected(true)
		act := s.NextAction()
		require.NotNil(t, act)
		s.MarkMonitorStarted(act.AttemptID, "mon")
		s.DetachClient("a")
	})
	require.Len(t, r.Ports(), 1)
	r.With(port, func(s *Session) {
		s.NextAction()
		s.MarkMonitorStopped("")
		s.MarkDetected(false)
	})
	assert.Empty(t, r.Ports())
}

func TestRegistry_Dispose(t *testing.T) {
	r := NewRegistry(0)
	port := domain.PortKey("serial|/dev/ttyUSB0")

	calls := 0
	r.Subscribe(func(Snapshot) { calls++ })
	r.With(port, func(s *Session) { s.AttachClient("a") })
	require.Equal(t, 1, calls)

	r.Dispose()
	r.With(port, func(s *Session) { s.AttachClient("b") })
	assert.Equal(t, 1, calls, "disposed registry publishes nothing")
	assert.Empty(t, r.Ports())
}
