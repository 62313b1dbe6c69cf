// Package client is the consumer side of the bridge protocol: a control
// connection with automatic reconnect, the binary data channel, the HTTP
// health/attachment surface, and the ensure-bridge arbitration that launches
// a bridge when none is running.
package client
