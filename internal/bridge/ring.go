package bridge

import "sync"

// ring keeps the most recent bytes written through a monitor handle so new
// subscribers can receive a tail of history before live frames.
type ring struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 64 * 1024
	}
	return &ring{buf: make([]byte, size), size: size}
}

func (r *ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p) >= r.size {
		copy(r.buf, p[len(p)-r.size:])
		r.pos = 0
		r.full = true
		return
	}
	n := copy(r.buf[r.pos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
		r.full = true
	}
	r.pos = (r.pos + len(p)) % r.size
	if r.pos == 0 && len(p) > 0 {
		r.full = true
	}
}

// Tail returns up to max of the most recent bytes, oldest first.
func (r *ring) Tail(max int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []byte
	if r.full {
		out = make([]byte, 0, r.size)
		out = append(out, r.buf[r.pos:]...)
		out = append(out, r.buf[:r.pos]...)
	} else {
		out = append(out, r.buf[:r.pos]...)
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
