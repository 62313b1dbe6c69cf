package domain

// EventType names the logical events fed to the tracker's reducer.
type EventType string

const (
	EventPortSelected       EventType = "PORT_SELECTED"
	EventPortDetected       EventType = "PORT_DETECTED"
	EventPortLost           EventType = "PORT_LOST"
	EventUserStart          EventType = "USER_START"
	EventUserStop           EventType = "USER_STOP"
	EventOpenRequested      EventType = "OPEN_REQUESTED"
	EventOpenOK             EventType = "OPEN_OK"
	EventOpenFail           EventType = "OPEN_FAIL"
	EventStreamClosed       EventType = "STREAM_CLOSED"
	EventBridgeDisconnected EventType = "BRIDGE_DISCONNECTED"
	EventBaudrateChanged    EventType = "BAUDRATE_CHANGED"
	EventReset              EventType = "RESET"
)

// Event is one logical event. Only the fields relevant to the Type are set;
// an AttemptID of zero means the event carries no attempt correlation and is
// never treated as stale.
type Event struct {
	Type      EventType
	Port      PortKey       // PORT_SELECTED
	Detected  bool          // PORT_SELECTED
	AttemptID int64         // OPEN_REQUESTED, OPEN_OK, OPEN_FAIL
	Reason    string        // STREAM_CLOSED, PORT_LOST
	Err       *MonitorError // OPEN_FAIL
	Baudrate  int           // BAUDRATE_CHANGED
}
