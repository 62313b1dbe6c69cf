// Package wire defines the bridge control protocol: newline-delimited
// JSON-RPC 2.0 messages on the control channel and length-prefixed binary
// frames on the data channel. Both the server and the client speak only
// through these types.
package wire

import (
	"encoding/json"
	"fmt"
)

// Control channel methods.
const (
	MethodHello       = "portino.hello"
	MethodStream      = "portino.stream"
	MethodOpen        = "monitor.open"
	MethodSubscribe   = "monitor.subscribe"
	MethodUnsubscribe = "monitor.unsubscribe"
	MethodClose       = "monitor.close"
	MethodWrite       = "monitor.write"

	// Server-initiated notifications.
	NotifyDetection = "portino.detection"
	NotifyState     = "monitor.state"
)

// Standard JSON-RPC 2.0 error codes plus the application range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeApplication = 1000
)

// Application error identifiers carried in RPCError.Data.
const (
	ErrPortInUseDifferentConfig = "PORT_IN_USE_DIFFERENT_CONFIG"
	ErrMonitorNotFound          = "MONITOR_NOT_FOUND"
	ErrOpenFailed               = "OPEN_FAILED"
)

// Request is a JSON-RPC 2.0 request or, when ID is zero, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object. Data carries the application error
// identifier when the failure has one.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData is the structured payload of application errors.
type ErrorData struct {
	Code string `json:"code,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil && e.Data.Code != "" {
		return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Data.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AppCode returns the application error identifier, if any.
func (e *RPCError) AppCode() string {
	if e == nil || e.Data == nil {
		return ""
	}
	return e.Data.Code
}
