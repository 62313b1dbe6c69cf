// Package bridge implements the privileged daemon that owns physical ports
// and shares them with any number of consumers. It exposes a newline-delimited
// JSON-RPC control channel and a binary data channel on one TCP listener, and
// an HTTP surface for health probing, attachments and metrics.
package bridge
