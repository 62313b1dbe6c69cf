package wire

import "time"

// HelloParams introduces a control connection.
type HelloParams struct {
	ClientID string `json:"clientId"`
	Version  string `json:"version,omitempty"`
}

// HelloResult identifies the bridge and names the session the client can bind
// a data channel to.
type HelloResult struct {
	SessionID string    `json:"sessionId"`
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"startedAt"`
}

// StreamParams binds a raw connection to a control session as its data
// channel. It must be the first and only JSON message on that connection.
type StreamParams struct {
	SessionID string `json:"sessionId"`
}

// OpenParams asks for a monitor on a port under a specific configuration.
type OpenParams struct {
	PortKey       string            `json:"portKey"`
	Baudrate      int               `json:"baudrate,omitempty"`
	SerialOptions map[string]string `json:"serialOptions,omitempty"`
}

// OpenResult carries the shared monitor id for the handle.
type OpenResult struct {
	MonitorID uint32 `json:"monitorId"`
	HandleKey string `json:"handleKey"`
}

// SubscribeParams starts frame delivery for a monitor. TailBytes > 0 replays
// that much buffered history before live output.
type SubscribeParams struct {
	MonitorID uint32 `json:"monitorId"`
	TailBytes int    `json:"tailBytes,omitempty"`
}

// MonitorParams addresses an already open monitor.
type MonitorParams struct {
	MonitorID uint32 `json:"monitorId"`
}

// WriteParams sends bytes to the port. Data is base64 on the wire.
type WriteParams struct {
	MonitorID uint32 `json:"monitorId"`
	Data      []byte `json:"data"`
}

// WriteResult reports how many bytes reached the port.
type WriteResult struct {
	BytesWritten int `json:"bytesWritten"`
}

// DetectionParams is the payload of portino.detection notifications.
type DetectionParams struct {
	Ports []DetectedPortInfo `json:"ports"`
}

// DetectedPortInfo describes one currently visible port.
type DetectedPortInfo struct {
	PortKey      string `json:"portKey"`
	Path         string `json:"path"`
	Description  string `json:"description,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// HealthPayload is the response of POST /control/health. The nodeVersion key
// carries the bridge runtime version; the name is kept for wire compatibility
// with older consumers.
type HealthPayload struct {
	Status        string    `json:"status"`
	PID           int       `json:"pid"`
	Port          int       `json:"port"`
	Attachments   int       `json:"attachments"`
	Version       string    `json:"version"`
	ExtensionPath string    `json:"extensionPath,omitempty"`
	Commit        string    `json:"commit,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	NodeVersion   string    `json:"nodeVersion"`
	Platform      string    `json:"platform"`
}

// AttachParams registers a consumer with the bridge.
type AttachParams struct {
	ClientID string `json:"clientId"`
	Version  string `json:"version,omitempty"`
}

// AttachResult carries the attachment id and the heartbeat contract.
type AttachResult struct {
	AttachmentID        string `json:"attachmentId"`
	HeartbeatIntervalMs int    `json:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs  int    `json:"heartbeatTimeoutMs"`
}

// AttachmentParams addresses an existing attachment.
type AttachmentParams struct {
	AttachmentID string `json:"attachmentId"`
}

// LoggingParams adjusts the bridge's log level at runtime.
type LoggingParams struct {
	Level string `json:"level"`
}

// StateParams is the payload of monitor.state notifications.
type StateParams struct {
	MonitorID uint32 `json:"monitorId"`
	PortKey   string `json:"portKey"`
	State     string `json:"state"`
}
