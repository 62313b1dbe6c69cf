package domain

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// PortKey is the canonical string identity for a (protocol, address) pair,
// e.g. "serial|/dev/ttyACM0". The key is constructed once by the discovery
// layer and treated as opaque everywhere else.
type PortKey string

// NewPortKey builds a port key from a protocol and an address.
func NewPortKey(protocol, address string) PortKey {
	return PortKey(protocol + "|" + address)
}

// Protocol returns the protocol half of the key, or "" for a malformed key.
func (k PortKey) Protocol() string {
	p, _, _ := strings.Cut(string(k), "|")
	return p
}

// Address returns the address half of the key, or "" for a malformed key.
func (k PortKey) Address() string {
	_, a, ok := strings.Cut(string(k), "|")
	if !ok {
		return ""
	}
	return a
}

func (k PortKey) String() string { return string(k) }

// HandleKey identifies one hardware configuration of a physical port:
// portKey@<baudrate|"na">@<8-hex serial-options hash|"default">.
// Two handle keys on the same port key are mutually exclusive on the wire.
type HandleKey string

// BuildHandleKey derives the handle key for a port opened with the given
// baudrate and serial options. A non-positive baudrate maps to "na"
// (network monitors have no baudrate). Options are hashed order-independently
// so semantically identical maps produce identical keys.
func BuildHandleKey(port PortKey, baudrate int, options map[string]string) HandleKey {
	baud := "na"
	if baudrate > 0 {
		baud = strconv.Itoa(baudrate)
	}
	return HandleKey(fmt.Sprintf("%s@%s@%s", port, baud, hashOptions(options)))
}

func hashOptions(options map[string]string) string {
	if len(options) == 0 {
		return "default"
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New32a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, options[k])
	}
	return fmt.Sprintf("%08x", h.Sum32())
}

// Port returns the port-key prefix of the handle key.
func (h HandleKey) Port() PortKey {
	p, _, _ := strings.Cut(string(h), "@")
	return PortKey(p)
}

func (h HandleKey) String() string { return string(h) }
