package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/portino/internal/wire"
)

// ErrConnClosed is returned by calls made after the connection dropped.
var ErrConnClosed = errors.New("bridge connection closed")

// NotificationHandler handles server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Conn is one established control connection to the bridge. It correlates
// responses to requests by id and dispatches notifications to handlers.
type Conn struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	hello  wire.HelloResult

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *wire.Response
	handlers map[string]NotificationHandler

	closed atomic.Bool
	done   chan struct{}
}

// DialControl connects, performs the hello handshake and starts the read
// loop. The returned Conn is ready for calls.
func DialControl(ctx context.Context, addr string, params wire.HelloParams) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", addr, err)
	}

	c := &Conn{
		addr:     addr,
		conn:     raw,
		reader:   bufio.NewReaderSize(raw, 64*1024),
		pending:  make(map[int64]chan *wire.Response),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}

	// The hello exchange happens before the read loop starts, so the reply
	// is read synchronously here.
	if err := c.send(wire.MethodHello, params, 1); err != nil {
		raw.Close()
		return nil, err
	}
	c.nextID.Store(1)
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetReadDeadline(deadline)
	} else {
		_ = raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("read hello response: %w", err)
	}
	_ = raw.SetReadDeadline(time.Time{})

	var resp wire.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		raw.Close()
		return nil, fmt.Errorf("malformed hello response: %w", err)
	}
	if resp.Error != nil {
		raw.Close()
		return nil, resp.Error
	}
	if err := json.Unmarshal(resp.Result, &c.hello); err != nil {
		raw.Close()
		return nil, fmt.Errorf("malformed hello result: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Hello returns the handshake result.
func (c *Conn) Hello() wire.HelloResult { return c.hello }

// SessionID names this connection on the bridge.
func (c *Conn) SessionID() string { return c.hello.SessionID }

// Done is closed when the connection drops, locally or remotely.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Pending calls fail with ErrConnClosed.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	c.mu.Lock()
	c.pending = make(map[int64]chan *wire.Response)
	c.mu.Unlock()
	return c.conn.Close()
}

// Call sends a request and waits for its response.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan *wire.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(method, params, id); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// OnNotification registers a handler for a server notification method.
func (c *Conn) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	c.handlers[method] = handler
	c.mu.Unlock()
}

func (c *Conn) send(method string, params any, id int64) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	data, err := json.Marshal(wire.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var probe struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}

		if probe.Method != "" {
			var notif wire.Request
			if err := json.Unmarshal(line, &notif); err != nil {
				continue
			}
			c.mu.Lock()
			handler := c.handlers[notif.Method]
			c.mu.Unlock()
			if handler != nil {
				handler(notif.Method, notif.Params)
			}
			continue
		}

		var resp wire.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch := c.pending[resp.ID]
		c.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
}

// Stream is the binary data channel bound to a control session.
type Stream struct {
	conn   net.Conn
	reader *bufio.Reader
}

// OpenStream dials a second connection and binds it to this session's data
// channel. Frames delivered by the bridge are read with ReadFrame.
func (c *Conn) OpenStream(ctx context.Context) (*Stream, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial data channel: %w", err)
	}

	params, _ := json.Marshal(wire.StreamParams{SessionID: c.hello.SessionID})
	msg, _ := json.Marshal(wire.Request{JSONRPC: "2.0", ID: 1, Method: wire.MethodStream, Params: params})
	if _, err := raw.Write(append(msg, '\n')); err != nil {
		raw.Close()
		return nil, fmt.Errorf("bind data channel: %w", err)
	}

	reader := bufio.NewReaderSize(raw, 64*1024)
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetReadDeadline(deadline)
	} else {
		_ = raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	ack, err := reader.ReadBytes('\n')
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("read stream ack: %w", err)
	}
	_ = raw.SetReadDeadline(time.Time{})

	var resp wire.Response
	if err := json.Unmarshal(ack, &resp); err != nil {
		raw.Close()
		return nil, fmt.Errorf("malformed stream ack: %w", err)
	}
	if resp.Error != nil {
		raw.Close()
		return nil, resp.Error
	}
	return &Stream{conn: raw, reader: reader}, nil
}

// ReadFrame blocks until the next frame arrives.
func (s *Stream) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(s.reader)
}

func (s *Stream) Close() error { return s.conn.Close() }
