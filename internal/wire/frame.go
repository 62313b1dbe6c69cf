package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame kinds on the data channel. Only data is defined; the rest of the
// space is reserved.
const (
	FrameKindData byte = 0
)

// maxFramePayload bounds a single frame so a corrupt length prefix cannot
// make the reader allocate unbounded memory.
const maxFramePayload = 1 << 20

// Frame is one data-channel message: output bytes (or a future control kind)
// for one monitor.
type Frame struct {
	MonitorID uint32
	Kind      byte
	Payload   []byte
}

// WriteFrame encodes f as [u32 LE length][u32 LE monitorId][u8 kind][payload]
// where length counts everything after itself. The length prefix delimits
// frames on the stream transport.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds limit", len(f.Payload))
	}
	buf := make([]byte, 4+4+1+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(4+1+len(f.Payload)))
	binary.LittleEndian.PutUint32(buf[4:8], f.MonitorID)
	buf[8] = f.Kind
	copy(buf[9:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame decodes one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(head[:])
	if length < 5 {
		return Frame{}, fmt.Errorf("frame too short: %d", length)
	}
	if length > maxFramePayload+5 {
		return Frame{}, fmt.Errorf("frame too large: %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{
		MonitorID: binary.LittleEndian.Uint32(body[0:4]),
		Kind:      body[4],
		Payload:   body[5:],
	}, nil
}
