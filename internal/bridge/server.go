package bridge

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aretw0/portino/internal/logging"
	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
)

// Config holds the bridge daemon's settings. Zero values fall back to
// defaults suitable for a local development host.
type Config struct {
	// WireAddr is the TCP address of the control/data listener.
	WireAddr string
	// HTTPAddr is the address of the HTTP control surface.
	HTTPAddr string
	// Backends open and enumerate ports, one per protocol.
	Backends []Backend
	// TailBufferSize bounds the per-monitor replay buffer.
	TailBufferSize int
	// DetectionInterval is the port enumeration poll period.
	DetectionInterval time.Duration
	// HeartbeatInterval is advertised to attaching consumers.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout reaps attachments that stop heartbeating.
	HeartbeatTimeout time.Duration
	// Version is reported in hello responses and health payloads.
	Version string
	// Identity is echoed in health payloads so clients can judge
	// compatibility before attaching.
	Identity domain.Identity
	// LogLevel, when set, is adjustable at runtime via /control/logging.
	LogLevel *slog.LevelVar
	Logger   *slog.Logger
}

func (c *Config) withDefaults() {
	if c.WireAddr == "" {
		c.WireAddr = "127.0.0.1:9287"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = "127.0.0.1:9288"
	}
	if c.TailBufferSize <= 0 {
		c.TailBufferSize = 64 * 1024
	}
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.LogLevel == nil {
		c.LogLevel = logging.Level
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Server is the privileged bridge process: it owns the physical ports and
// multiplexes them to any number of consumers over the wire protocol.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics
	registry  *handleRegistry
	attach    *attachmentTable
	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]*clientSession
	detected []wire.DetectedPortInfo

	wireLn  net.Listener
	httpLn  net.Listener
	httpSrv *http.Server

	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(cfg Config) *Server {
	cfg.withDefaults()
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		metrics:   NewMetrics(),
		startedAt: time.Now(),
		sessions:  make(map[string]*clientSession),
		closed:    make(chan struct{}),
	}
	s.registry = newHandleRegistry(cfg.Backends, cfg.TailBufferSize, s.metrics, s.logger, s.broadcastState)
	s.attach = newAttachmentTable(cfg.HeartbeatTimeout, s.metrics)
	s.httpSrv = &http.Server{Handler: s.controlRouter()}
	return s
}

// Start binds both listeners and begins serving. It returns once the
// listeners are bound; Serve loops run in the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	wireLn, err := net.Listen("tcp", s.cfg.WireAddr)
	if err != nil {
		return fmt.Errorf("bind wire listener: %w", err)
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		wireLn.Close()
		return fmt.Errorf("bind http listener: %w", err)
	}
	s.wireLn = wireLn
	s.httpLn = httpLn

	s.logger.Info("bridge listening",
		"wire", wireLn.Addr().String(),
		"http", httpLn.Addr().String(),
		"pid", os.Getpid())

	go s.acceptLoop()
	go func() {
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http control server failed", "error", err)
		}
	}()
	go s.detectionLoop(ctx)
	go s.attach.reapLoop(s.closed, s.logger)
	return nil
}

// WireAddr returns the bound address of the wire listener.
func (s *Server) WireAddr() string {
	if s.wireLn == nil {
		return s.cfg.WireAddr
	}
	return s.wireLn.Addr().String()
}

// HTTPAddr returns the bound address of the HTTP control surface.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return s.cfg.HTTPAddr
	}
	return s.httpLn.Addr().String()
}

// Shutdown stops accepting work, drops every client and closes every port.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.wireLn != nil {
			s.wireLn.Close()
		}
		err = s.httpSrv.Shutdown(ctx)

		s.mu.Lock()
		sessions := make([]*clientSession, 0, len(s.sessions))
		for _, cs := range s.sessions {
			sessions = append(sessions, cs)
		}
		s.mu.Unlock()
		for _, cs := range sessions {
			cs.conn.Close()
		}
		s.registry.CloseAll()
		s.logger.Info("bridge stopped")
	})
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.wireLn.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn routes a fresh connection by its first message: a hello makes it
// a control channel, a stream request binds it as a session's data channel.
func (s *Server) handleConn(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 64*1024)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return
	}
	var req wire.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.respondError(conn, 0, &wire.RPCError{Code: wire.CodeParseError, Message: "malformed first message"})
		conn.Close()
		return
	}

	switch req.Method {
	case wire.MethodHello:
		s.serveControl(conn, reader, req)
	case wire.MethodStream:
		s.serveStream(conn, reader, req)
	default:
		s.respondError(conn, req.ID, &wire.RPCError{
			Code:    wire.CodeInvalidRequest,
			Message: "first message must be portino.hello or portino.stream",
		})
		conn.Close()
	}
}

func (s *Server) serveControl(conn net.Conn, reader *bufio.Reader, hello wire.Request) {
	var params wire.HelloParams
	if len(hello.Params) > 0 {
		if err := json.Unmarshal(hello.Params, &params); err != nil {
			s.respondError(conn, hello.ID, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "bad hello params"})
			conn.Close()
			return
		}
	}

	cs := &clientSession{
		id:       newSessionID(),
		clientID: params.ClientID,
		conn:     conn,
		opens:    make(map[uint32]int),
		subs:     make(map[uint32]struct{}),
	}
	s.mu.Lock()
	s.sessions[cs.id] = cs
	detected := s.detected
	s.mu.Unlock()
	s.metrics.ConnectedClients.Inc()
	s.logger.Info("client connected", "sessionId", cs.id, "clientId", cs.clientID)

	cs.respond(hello.ID, wire.HelloResult{
		SessionID: cs.id,
		PID:       os.Getpid(),
		Version:   s.cfg.Version,
		StartedAt: s.startedAt,
	})
	// Late joiners get the current port list immediately instead of waiting
	// for the next poll.
	if detected != nil {
		cs.notify(wire.NotifyDetection, wire.DetectionParams{Ports: detected})
	}

	defer s.dropSession(cs)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req wire.Request
		if err := json.Unmarshal(line, &req); err != nil {
			cs.respondError(0, &wire.RPCError{Code: wire.CodeParseError, Message: "malformed request"})
			continue
		}
		if req.ID == 0 {
			// Client notifications carry no id and expect no reply.
			continue
		}
		result, rpcErr := s.dispatch(cs, &req)
		if rpcErr != nil {
			cs.respondError(req.ID, rpcErr)
			continue
		}
		cs.respond(req.ID, result)
	}
}

// serveStream binds conn as the data channel of an existing control session.
// After the ack, the connection carries only binary frames server-to-client.
func (s *Server) serveStream(conn net.Conn, reader *bufio.Reader, req wire.Request) {
	var params wire.StreamParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		s.respondError(conn, req.ID, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "bad stream params"})
		conn.Close()
		return
	}
	s.mu.Lock()
	cs, ok := s.sessions[params.SessionID]
	s.mu.Unlock()
	if !ok {
		s.respondError(conn, req.ID, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "unknown session"})
		conn.Close()
		return
	}
	// Ack before binding so the client never has to split JSON from the
	// first binary frame.
	s.respond(conn, req.ID, map[string]bool{"ok": true})
	cs.bindData(conn)
	s.logger.Debug("data channel bound", "sessionId", cs.id)

	// Hold until the client drops the data connection.
	_, _ = io.Copy(io.Discard, reader)
	cs.unbindData(conn)
	conn.Close()
}

func (s *Server) dispatch(cs *clientSession, req *wire.Request) (any, *wire.RPCError) {
	switch req.Method {
	case wire.MethodOpen:
		var p wire.OpenParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.PortKey == "" {
			return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "bad open params"}
		}
		port := domain.PortKey(p.PortKey)
		id, err := s.registry.Open(context.Background(), port, p.Baudrate, p.SerialOptions)
		if err != nil {
			return nil, toRPCError(err)
		}
		cs.mu.Lock()
		cs.opens[id]++
		cs.mu.Unlock()
		return wire.OpenResult{
			MonitorID: id,
			HandleKey: string(domain.BuildHandleKey(port, p.Baudrate, p.SerialOptions)),
		}, nil

	case wire.MethodSubscribe:
		var p wire.SubscribeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "bad subscribe params"}
		}
		tail, err := s.registry.Subscribe(p.MonitorID, cs, p.TailBytes)
		if err != nil {
			return nil, toRPCError(err)
		}
		cs.mu.Lock()
		cs.subs[p.MonitorID] = struct{}{}
		cs.mu.Unlock()
		if len(tail) > 0 {
			cs.deliverFrame(wire.Frame{MonitorID: p.MonitorID, Kind: wire.FrameKindData, Payload: tail})
		}
		return map[string]bool{"ok": true}, nil

	case wire.MethodUnsubscribe:
		var p wire.MonitorParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "bad unsubscribe params"}
		}
		s.registry.Unsubscribe(p.MonitorID, cs)
		cs.mu.Lock()
		delete(cs.subs, p.MonitorID)
		cs.mu.Unlock()
		return map[string]bool{"ok": true}, nil

	case wire.MethodClose:
		var p wire.MonitorParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "bad close params"}
		}
		cs.mu.Lock()
		held := cs.opens[p.MonitorID]
		cs.mu.Unlock()
		if held == 0 {
			return nil, &wire.RPCError{
				Code:    wire.CodeApplication,
				Message: "monitor not open on this session",
				Data:    &wire.ErrorData{Code: wire.ErrMonitorNotFound},
			}
		}
		// Release the registry reference first so teardown notifications
		// still reach this session.
		if err := s.registry.Close(p.MonitorID); err != nil {
			return nil, toRPCError(err)
		}
		cs.mu.Lock()
		cs.opens[p.MonitorID]--
		last := cs.opens[p.MonitorID] <= 0
		if last {
			delete(cs.opens, p.MonitorID)
			delete(cs.subs, p.MonitorID)
		}
		cs.mu.Unlock()
		if last {
			s.registry.Unsubscribe(p.MonitorID, cs)
		}
		return map[string]bool{"ok": true}, nil

	case wire.MethodWrite:
		var p wire.WriteParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "bad write params"}
		}
		n, err := s.registry.Write(p.MonitorID, p.Data)
		if err != nil {
			return nil, toRPCError(err)
		}
		return wire.WriteResult{BytesWritten: n}, nil

	default:
		return nil, &wire.RPCError{Code: wire.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

// dropSession releases everything a disconnecting client held: every open
// reference, every subscription, the data channel.
func (s *Server) dropSession(cs *clientSession) {
	s.mu.Lock()
	delete(s.sessions, cs.id)
	s.mu.Unlock()

	cs.mu.Lock()
	opens := make(map[uint32]int, len(cs.opens))
	for id, n := range cs.opens {
		opens[id] = n
	}
	subs := make([]uint32, 0, len(cs.subs))
	for id := range cs.subs {
		subs = append(subs, id)
	}
	cs.opens = map[uint32]int{}
	cs.subs = map[uint32]struct{}{}
	cs.mu.Unlock()

	for _, id := range subs {
		s.registry.Unsubscribe(id, cs)
	}
	for id, n := range opens {
		for i := 0; i < n; i++ {
			_ = s.registry.Close(id)
		}
	}
	cs.closeData()
	cs.conn.Close()
	s.metrics.ConnectedClients.Dec()
	s.logger.Info("client disconnected", "sessionId", cs.id, "clientId", cs.clientID)
}

// broadcastState pushes a monitor.state notification to every session that
// holds or watches the monitor.
func (s *Server) broadcastState(monitorID uint32, port domain.PortKey, state domain.PhysicalState) {
	params := wire.StateParams{MonitorID: monitorID, PortKey: string(port), State: string(state)}
	s.mu.Lock()
	sessions := make([]*clientSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		sessions = append(sessions, cs)
	}
	s.mu.Unlock()

	for _, cs := range sessions {
		cs.mu.Lock()
		_, opened := cs.opens[monitorID]
		_, subscribed := cs.subs[monitorID]
		cs.mu.Unlock()
		if opened || subscribed {
			cs.notify(wire.NotifyState, params)
		}
	}
}

// detectionLoop polls every backend and broadcasts the merged port list when
// it changes.
func (s *Server) detectionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DetectionInterval)
	defer ticker.Stop()

	s.pollDetection(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.pollDetection(ctx)
		}
	}
}

func (s *Server) pollDetection(ctx context.Context) {
	var merged []wire.DetectedPortInfo
	for _, b := range s.cfg.Backends {
		ports, err := b.ListPorts(ctx)
		if err != nil {
			s.logger.Warn("port enumeration failed", "protocol", b.Protocol(), "error", err)
			continue
		}
		for _, p := range ports {
			merged = append(merged, wire.DetectedPortInfo{
				PortKey:      string(p.Key),
				Path:         p.Path,
				Description:  p.Description,
				VendorID:     p.VendorID,
				ProductID:    p.ProductID,
				SerialNumber: p.SerialNumber,
			})
		}
	}

	s.mu.Lock()
	changed := !detectionEqual(s.detected, merged)
	if changed || s.detected == nil {
		s.detected = merged
		if s.detected == nil {
			s.detected = []wire.DetectedPortInfo{}
		}
	}
	sessions := make([]*clientSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		sessions = append(sessions, cs)
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, cs := range sessions {
		cs.notify(wire.NotifyDetection, wire.DetectionParams{Ports: merged})
	}
}

func detectionEqual(a, b []wire.DetectedPortInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Server) respond(conn net.Conn, id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(conn, id, &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()})
		return
	}
	writeMessage(conn, wire.Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) respondError(conn net.Conn, id int64, rpcErr *wire.RPCError) {
	writeMessage(conn, wire.Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func writeMessage(conn net.Conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// toRPCError maps registry failures onto wire error identifiers.
func toRPCError(err error) *wire.RPCError {
	var me *domain.MonitorError
	if errors.As(err, &me) {
		code := wire.ErrOpenFailed
		if me.Code == domain.CodeConfigConflict {
			code = wire.ErrPortInUseDifferentConfig
		}
		return &wire.RPCError{
			Code:    wire.CodeApplication,
			Message: me.Message,
			Data:    &wire.ErrorData{Code: code},
		}
	}
	if errors.Is(err, errMonitorNotFound) {
		return &wire.RPCError{
			Code:    wire.CodeApplication,
			Message: err.Error(),
			Data:    &wire.ErrorData{Code: wire.ErrMonitorNotFound},
		}
	}
	return &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()}
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("s-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// clientSession is the server-side state of one control connection and its
// optional data channel.
type clientSession struct {
	id       string
	clientID string
	conn     net.Conn

	writeMu sync.Mutex // serializes control-channel writes

	dataMu   sync.Mutex
	dataConn net.Conn

	mu    sync.Mutex
	opens map[uint32]int
	subs  map[uint32]struct{}
}

func (cs *clientSession) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	cs.write(wire.Request{JSONRPC: "2.0", Method: method, Params: raw})
}

func (cs *clientSession) respond(id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		cs.respondError(id, &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()})
		return
	}
	cs.write(wire.Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func (cs *clientSession) respondError(id int64, rpcErr *wire.RPCError) {
	cs.write(wire.Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

// write serializes all control-channel output; notifications race responses
// otherwise.
func (cs *clientSession) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	_, _ = cs.conn.Write(data)
}

// deliverFrame implements frameSink. Frames are dropped while no data
// channel is bound; the tail buffer covers the gap on the next subscribe.
func (cs *clientSession) deliverFrame(f wire.Frame) {
	cs.dataMu.Lock()
	defer cs.dataMu.Unlock()
	if cs.dataConn == nil {
		return
	}
	if err := wire.WriteFrame(cs.dataConn, f); err != nil {
		cs.dataConn.Close()
		cs.dataConn = nil
	}
}

func (cs *clientSession) bindData(conn net.Conn) {
	cs.dataMu.Lock()
	defer cs.dataMu.Unlock()
	if cs.dataConn != nil {
		cs.dataConn.Close()
	}
	cs.dataConn = conn
}

func (cs *clientSession) unbindData(conn net.Conn) {
	cs.dataMu.Lock()
	defer cs.dataMu.Unlock()
	if cs.dataConn == conn {
		cs.dataConn = nil
	}
}

func (cs *clientSession) closeData() {
	cs.dataMu.Lock()
	defer cs.dataMu.Unlock()
	if cs.dataConn != nil {
		cs.dataConn.Close()
		cs.dataConn = nil
	}
}
