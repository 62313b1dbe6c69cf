package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
)

// ErrClientClosed is returned once Close has been called.
var ErrClientClosed = errors.New("bridge client closed")

// Options tune the client's reconnect behavior.
type Options struct {
	// ReconnectBase and ReconnectMax bound the jittered redial backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// OpenTimeout bounds one monitor open round trip.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 250 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 5 * time.Second
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Handlers receive asynchronous events from the bridge. All callbacks run on
// client goroutines and must not block.
type Handlers struct {
	// OnFrame delivers monitor output for a subscribed port.
	OnFrame func(port domain.PortKey, data []byte)
	// OnDetection delivers the current port list whenever it changes.
	OnDetection func(ports []wire.DetectedPortInfo)
	// OnState delivers raw physical transitions for a held port.
	OnState func(port domain.PortKey, state domain.PhysicalState)
	// OnDisconnect fires when the control connection drops.
	OnDisconnect func()
	// OnReconnect fires after a redial succeeds and held monitors have been
	// reopened and resubscribed.
	OnReconnect func()
}

// monitorRecord is the client-side memory of one held monitor, enough to
// rebuild it on a fresh connection. Nothing persists bridge-side across a
// drop.
type monitorRecord struct {
	port       domain.PortKey
	baudrate   int
	options    map[string]string
	tailBytes  int
	subscribed bool
	monitorID  uint32
}

// Client maintains one control connection plus data channel to the bridge,
// redialing with bounded jittered backoff and restoring held monitors after
// every reconnect.
type Client struct {
	addr     string
	identity domain.Identity
	opts     Options
	handlers Handlers
	logger   *slog.Logger

	mu       sync.Mutex
	conn     *Conn
	stream   *Stream
	records  map[domain.PortKey]*monitorRecord
	byID     map[uint32]domain.PortKey
	closed   bool
	stopping chan struct{}
}

func New(addr string, identity domain.Identity, handlers Handlers, opts Options) *Client {
	opts.withDefaults()
	return &Client{
		addr:     addr,
		identity: identity,
		opts:     opts,
		handlers: handlers,
		logger:   opts.Logger,
		records:  make(map[domain.PortKey]*monitorRecord),
		byID:     make(map[uint32]domain.PortKey),
		stopping: make(chan struct{}),
	}
}

// Connect dials the bridge and starts the supervision loop. The first dial is
// synchronous so callers know immediately whether the bridge answered;
// subsequent drops are handled in the background.
func (c *Client) Connect(ctx context.Context) error {
	conn, stream, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		stream.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	go c.frameLoop(stream)
	go c.superviseLoop(conn)
	return nil
}

// Close stops the supervision loop and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopping)
	conn, stream := c.conn, c.stream
	c.conn, c.stream = nil, nil
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Connected reports whether a live control connection exists right now.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Open acquires a monitor for port. Opening an already held port with the
// same configuration is a no-op; a different configuration is rejected
// locally before it can wedge the shared handle.
func (c *Client) Open(ctx context.Context, port domain.PortKey, baudrate int, options map[string]string) error {
	c.mu.Lock()
	if rec, ok := c.records[port]; ok {
		same := domain.BuildHandleKey(port, baudrate, options) == domain.BuildHandleKey(rec.port, rec.baudrate, rec.options)
		c.mu.Unlock()
		if !same {
			return &domain.MonitorError{
				Code:    domain.CodeConfigConflict,
				Message: fmt.Sprintf("port %s already held with a different configuration", port),
			}
		}
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpenTimeout)
	defer cancel()
	var result wire.OpenResult
	err := conn.Call(ctx, wire.MethodOpen, wire.OpenParams{
		PortKey:       string(port),
		Baudrate:      baudrate,
		SerialOptions: options,
	}, &result)
	if err != nil {
		return translateError(err)
	}

	c.mu.Lock()
	c.records[port] = &monitorRecord{
		port:      port,
		baudrate:  baudrate,
		options:   options,
		monitorID: result.MonitorID,
	}
	c.byID[result.MonitorID] = port
	c.mu.Unlock()
	return nil
}

// Subscribe starts output delivery for a held port. tailBytes of buffered
// history are replayed first.
func (c *Client) Subscribe(ctx context.Context, port domain.PortKey, tailBytes int) error {
	conn, rec, err := c.lookup(port)
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, wire.MethodSubscribe, wire.SubscribeParams{MonitorID: rec.monitorID, TailBytes: tailBytes}, nil); err != nil {
		return translateError(err)
	}
	c.mu.Lock()
	rec.subscribed = true
	rec.tailBytes = tailBytes
	c.mu.Unlock()
	return nil
}

// Unsubscribe stops output delivery but keeps the monitor open.
func (c *Client) Unsubscribe(ctx context.Context, port domain.PortKey) error {
	conn, rec, err := c.lookup(port)
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, wire.MethodUnsubscribe, wire.MonitorParams{MonitorID: rec.monitorID}, nil); err != nil {
		return translateError(err)
	}
	c.mu.Lock()
	rec.subscribed = false
	c.mu.Unlock()
	return nil
}

// CloseMonitor releases the port. The bridge tears the hardware down once the
// last holder across all clients is gone.
func (c *Client) CloseMonitor(ctx context.Context, port domain.PortKey) error {
	conn, rec, err := c.lookup(port)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.records, port)
	delete(c.byID, rec.monitorID)
	c.mu.Unlock()
	if err := conn.Call(ctx, wire.MethodClose, wire.MonitorParams{MonitorID: rec.monitorID}, nil); err != nil {
		return translateError(err)
	}
	return nil
}

// Write sends bytes to the port.
func (c *Client) Write(ctx context.Context, port domain.PortKey, data []byte) (int, error) {
	conn, rec, err := c.lookup(port)
	if err != nil {
		return 0, err
	}
	var result wire.WriteResult
	if err := conn.Call(ctx, wire.MethodWrite, wire.WriteParams{MonitorID: rec.monitorID, Data: data}, &result); err != nil {
		return 0, translateError(err)
	}
	return result.BytesWritten, nil
}

func (c *Client) lookup(port domain.PortKey) (*Conn, *monitorRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClientClosed
	}
	if c.conn == nil {
		return nil, nil, ErrConnClosed
	}
	rec, ok := c.records[port]
	if !ok {
		return nil, nil, &domain.MonitorError{
			Code:    domain.CodeOpenFailed,
			Message: fmt.Sprintf("port %s is not held", port),
		}
	}
	return c.conn, rec, nil
}

// dial establishes control and data channels and wires notification handlers.
func (c *Client) dial(ctx context.Context) (*Conn, *Stream, error) {
	conn, err := DialControl(ctx, c.addr, wire.HelloParams{
		ClientID: c.identity.ClientID,
		Version:  c.identity.Version,
	})
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	conn.OnNotification(wire.NotifyDetection, func(_ string, params json.RawMessage) {
		if c.handlers.OnDetection == nil {
			return
		}
		var p wire.DetectionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.handlers.OnDetection(p.Ports)
	})
	conn.OnNotification(wire.NotifyState, func(_ string, params json.RawMessage) {
		if c.handlers.OnState == nil {
			return
		}
		var p wire.StateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.handlers.OnState(domain.PortKey(p.PortKey), domain.PhysicalState(p.State))
	})
	return conn, stream, nil
}

func (c *Client) frameLoop(stream *Stream) {
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			return
		}
		c.mu.Lock()
		port, ok := c.byID[frame.MonitorID]
		c.mu.Unlock()
		if ok && c.handlers.OnFrame != nil {
			c.handlers.OnFrame(port, frame.Payload)
		}
	}
}

// superviseLoop waits for the connection to drop, then redials with bounded
// jittered backoff and restores every held monitor on the new connection.
func (c *Client) superviseLoop(conn *Conn) {
	select {
	case <-conn.Done():
	case <-c.stopping:
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.mu.Unlock()

	c.logger.Warn("bridge connection lost, reconnecting")
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect()
	}

	backoff := c.opts.ReconnectBase
	for {
		select {
		case <-c.stopping:
			return
		case <-time.After(rand.N(backoff) + backoff/2):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		next, stream, err := c.dial(ctx)
		cancel()
		if err != nil {
			if backoff *= 2; backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			c.logger.Debug("redial failed", "error", err)
			continue
		}

		c.restore(next)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			stream.Close()
			next.Close()
			return
		}
		c.conn = next
		c.stream = stream
		c.mu.Unlock()

		c.logger.Info("bridge connection restored")
		go c.frameLoop(stream)
		go c.superviseLoop(next)
		if c.handlers.OnReconnect != nil {
			c.handlers.OnReconnect()
		}
		return
	}
}

// restore reopens and resubscribes every held monitor on a fresh connection.
// Monitors that fail to reopen are dropped from the records; the session
// layer sees the failure on its next operation and re-drives the open.
func (c *Client) restore(conn *Conn) {
	c.mu.Lock()
	records := make([]*monitorRecord, 0, len(c.records))
	for _, rec := range c.records {
		records = append(records, rec)
	}
	c.byID = make(map[uint32]domain.PortKey)
	c.mu.Unlock()

	for _, rec := range records {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpenTimeout)
		var result wire.OpenResult
		err := conn.Call(ctx, wire.MethodOpen, wire.OpenParams{
			PortKey:       string(rec.port),
			Baudrate:      rec.baudrate,
			SerialOptions: rec.options,
		}, &result)
		if err == nil && rec.subscribed {
			err = conn.Call(ctx, wire.MethodSubscribe, wire.SubscribeParams{MonitorID: result.MonitorID, TailBytes: rec.tailBytes}, nil)
		}
		cancel()

		c.mu.Lock()
		if err != nil {
			c.logger.Warn("failed to restore monitor", "port", rec.port, "error", err)
			delete(c.records, rec.port)
		} else {
			rec.monitorID = result.MonitorID
			c.byID[result.MonitorID] = rec.port
		}
		c.mu.Unlock()
	}
}

// translateError maps wire errors onto the domain taxonomy.
func translateError(err error) error {
	var rpcErr *wire.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.AppCode() {
		case wire.ErrPortInUseDifferentConfig:
			return &domain.MonitorError{Code: domain.CodeConfigConflict, Message: rpcErr.Message}
		case wire.ErrMonitorNotFound, wire.ErrOpenFailed:
			return &domain.MonitorError{Code: domain.CodeOpenFailed, Message: rpcErr.Message}
		}
		return &domain.MonitorError{Code: domain.CodeOpenFailed, Message: rpcErr.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.MonitorError{Code: domain.CodeOpenTimeout, Message: "bridge did not answer in time"}
	}
	if errors.Is(err, ErrConnClosed) {
		return &domain.MonitorError{Code: domain.CodeBridgeUnreachable, Message: "bridge connection lost"}
	}
	return err
}
