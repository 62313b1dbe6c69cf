package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
)

func startTestServer(t *testing.T, backend Backend) *Server {
	t.Helper()
	srv := NewServer(Config{
		WireAddr:          "127.0.0.1:0",
		HTTPAddr:          "127.0.0.1:0",
		Backends:          []Backend{backend},
		DetectionInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Second,
		Version:           "1.2.3",
		Identity:          domain.Identity{Version: "1.2.3", Mode: "test"},
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// controlConn is a minimal wire client for tests. It reads responses and
// notifications off one control connection.
type controlConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	nextID int64
	notifs []*wire.Request
}

func dialControl(t *testing.T, srv *Server, clientID string) (*controlConn, wire.HelloResult) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.WireAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &controlConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
	var hello wire.HelloResult
	rpcErr := c.call(wire.MethodHello, wire.HelloParams{ClientID: clientID}, &hello)
	require.Nil(t, rpcErr)
	return c, hello
}

func (c *controlConn) send(method string, params any, id int64) {
	c.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	msg, err := json.Marshal(wire.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(msg, '\n'))
	require.NoError(c.t, err)
}

// call sends a request and reads until its response arrives, skipping any
// interleaved notifications.
func (c *controlConn) call(method string, params any, result any) *wire.RPCError {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	c.send(method, params, id)

	for {
		resp, notif := c.readMessage()
		if notif != nil {
			c.notifs = append(c.notifs, notif)
			continue
		}
		require.Equal(c.t, id, resp.ID)
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			require.NoError(c.t, json.Unmarshal(resp.Result, result))
		}
		return nil
	}
}

// waitNotification returns the first notification with the given method,
// checking any stashed during earlier calls before reading more.
func (c *controlConn) waitNotification(method string) json.RawMessage {
	c.t.Helper()
	for i, notif := range c.notifs {
		if notif.Method == method {
			c.notifs = append(c.notifs[:i], c.notifs[i+1:]...)
			return notif.Params
		}
	}
	for {
		_, notif := c.readMessage()
		if notif == nil {
			continue
		}
		if notif.Method == method {
			return notif.Params
		}
		c.notifs = append(c.notifs, notif)
	}
}

func (c *controlConn) readMessage() (*wire.Response, *wire.Request) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)

	var probe struct {
		Method string `json:"method"`
	}
	require.NoError(c.t, json.Unmarshal(line, &probe))
	if probe.Method != "" {
		var notif wire.Request
		require.NoError(c.t, json.Unmarshal(line, &notif))
		return nil, &notif
	}
	var resp wire.Response
	require.NoError(c.t, json.Unmarshal(line, &resp))
	return &resp, nil
}

// dialStream binds a data channel to the session and returns a reader
// positioned after the ack.
func dialStream(t *testing.T, srv *Server, sessionID string) *bufio.Reader {
	t.Helper()
	conn, err := net.Dial("tcp", srv.WireAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	raw, _ := json.Marshal(wire.StreamParams{SessionID: sessionID})
	msg, _ := json.Marshal(wire.Request{JSONRPC: "2.0", ID: 1, Method: wire.MethodStream, Params: raw})
	_, err = conn.Write(append(msg, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	ack, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var resp wire.Response
	require.NoError(t, json.Unmarshal(ack, &resp))
	require.Nil(t, resp.Error)
	return reader
}

func TestServer_HelloIdentifiesBridge(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	_, hello := dialControl(t, srv, "client-a")

	assert.NotEmpty(t, hello.SessionID)
	assert.NotZero(t, hello.PID)
	assert.Equal(t, "1.2.3", hello.Version)
	assert.False(t, hello.StartedAt.IsZero())
}

func TestServer_OpenSubscribeWriteStream(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	ctrl, hello := dialControl(t, srv, "client-a")
	stream := dialStream(t, srv, hello.SessionID)

	var open wire.OpenResult
	require.Nil(t, ctrl.call(wire.MethodOpen, wire.OpenParams{PortKey: "loopback|dev0", Baudrate: 115200}, &open))
	assert.NotZero(t, open.MonitorID)
	assert.Contains(t, open.HandleKey, "loopback|dev0@115200")

	require.Nil(t, ctrl.call(wire.MethodSubscribe, wire.SubscribeParams{MonitorID: open.MonitorID}, nil))

	var wrote wire.WriteResult
	require.Nil(t, ctrl.call(wire.MethodWrite, wire.WriteParams{MonitorID: open.MonitorID, Data: []byte("ping")}, &wrote))
	assert.Equal(t, 4, wrote.BytesWritten)

	// The loopback backend echoes writes, so the frame comes back on the
	// data channel.
	frame, err := wire.ReadFrame(stream)
	require.NoError(t, err)
	assert.Equal(t, open.MonitorID, frame.MonitorID)
	assert.Equal(t, wire.FrameKindData, frame.Kind)
	assert.Equal(t, "ping", string(frame.Payload))

	require.Nil(t, ctrl.call(wire.MethodClose, wire.MonitorParams{MonitorID: open.MonitorID}, nil))
}

func TestServer_SharedHandleAcrossClients(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	a, _ := dialControl(t, srv, "client-a")
	b, _ := dialControl(t, srv, "client-b")

	var openA, openB wire.OpenResult
	require.Nil(t, a.call(wire.MethodOpen, wire.OpenParams{PortKey: "loopback|dev0", Baudrate: 9600}, &openA))
	require.Nil(t, b.call(wire.MethodOpen, wire.OpenParams{PortKey: "loopback|dev0", Baudrate: 9600}, &openB))

	assert.Equal(t, openA.MonitorID, openB.MonitorID, "same config shares the monitor")
}

func TestServer_ConfigConflictOverWire(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	a, _ := dialControl(t, srv, "client-a")
	b, _ := dialControl(t, srv, "client-b")

	require.Nil(t, a.call(wire.MethodOpen, wire.OpenParams{PortKey: "loopback|dev0", Baudrate: 9600}, nil))

	rpcErr := b.call(wire.MethodOpen, wire.OpenParams{PortKey: "loopback|dev0", Baudrate: 115200}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, wire.ErrPortInUseDifferentConfig, rpcErr.AppCode())
}

func TestServer_UnknownMonitorOverWire(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	ctrl, _ := dialControl(t, srv, "client-a")

	rpcErr := ctrl.call(wire.MethodWrite, wire.WriteParams{MonitorID: 777, Data: []byte("x")}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, wire.ErrMonitorNotFound, rpcErr.AppCode())

	rpcErr = ctrl.call(wire.MethodClose, wire.MonitorParams{MonitorID: 777}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, wire.ErrMonitorNotFound, rpcErr.AppCode())
}

func TestServer_DisconnectReleasesHandles(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	a, _ := dialControl(t, srv, "client-a")
	require.Nil(t, a.call(wire.MethodOpen, wire.OpenParams{PortKey: "loopback|dev0", Baudrate: 9600}, nil))

	a.conn.Close()

	// Once the drop is processed the port is free for a different config.
	b, _ := dialControl(t, srv, "client-b")
	require.Eventually(t, func() bool {
		rpcErr := b.call(wire.MethodOpen, wire.OpenParams{PortKey: "loopback|dev0", Baudrate: 115200}, nil)
		if rpcErr == nil {
			return true
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_DetectionNotification(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	ctrl, _ := dialControl(t, srv, "client-a")

	raw := ctrl.waitNotification(wire.NotifyDetection)
	var params wire.DetectionParams
	require.NoError(t, json.Unmarshal(raw, &params))
	require.Len(t, params.Ports, 1)
	assert.Equal(t, "loopback|dev0", params.Ports[0].PortKey)
}

func TestServer_StateNotifications(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	ctrl, _ := dialControl(t, srv, "client-a")

	var open wire.OpenResult
	require.Nil(t, ctrl.call(wire.MethodOpen, wire.OpenParams{PortKey: "loopback|dev0"}, &open))
	require.Nil(t, ctrl.call(wire.MethodClose, wire.MonitorParams{MonitorID: open.MonitorID}, nil))

	// Close emits STOPPING then STOPPED while the monitor is still held by
	// this session's open map; at least the STOPPING one must arrive.
	raw := ctrl.waitNotification(wire.NotifyState)
	var state wire.StateParams
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, open.MonitorID, state.MonitorID)
	assert.Equal(t, "loopback|dev0", state.PortKey)
	assert.Contains(t, []string{"STOPPING", "STOPPED"}, state.State)
}

func TestServer_HealthPayload(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))

	resp, err := http.Post(fmt.Sprintf("http://%s/control/health", srv.HTTPAddr()), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health wire.HealthPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.NotZero(t, health.PID)
	assert.Equal(t, srv.wirePort(), health.Port)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, "test", health.Mode)
	assert.Equal(t, runtime.Version(), health.NodeVersion)
	assert.Equal(t, runtime.GOOS, health.Platform)
}

func TestServer_AttachHeartbeatDetach(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))
	base := fmt.Sprintf("http://%s", srv.HTTPAddr())

	var attach wire.AttachResult
	postJSON(t, base+"/control/attach", wire.AttachParams{ClientID: "client-a"}, http.StatusOK, &attach)
	require.NotEmpty(t, attach.AttachmentID)
	assert.Positive(t, attach.HeartbeatIntervalMs)
	assert.Positive(t, attach.HeartbeatTimeoutMs)

	postJSON(t, base+"/control/heartbeat", wire.AttachmentParams{AttachmentID: attach.AttachmentID}, http.StatusOK, nil)
	postJSON(t, base+"/control/detach", wire.AttachmentParams{AttachmentID: attach.AttachmentID}, http.StatusOK, nil)

	// After detach the attachment is gone: heartbeats 404.
	postJSON(t, base+"/control/heartbeat", wire.AttachmentParams{AttachmentID: attach.AttachmentID}, http.StatusNotFound, nil)
}

func TestServer_MetricsExposed(t *testing.T) {
	srv := startTestServer(t, NewLoopbackBackend("dev0"))

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.HTTPAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAttachmentTable_ReapsStale(t *testing.T) {
	tbl := newAttachmentTable(50*time.Millisecond, NewMetrics())
	a := tbl.Attach("client-a")
	b := tbl.Attach("client-b")
	a.lastBeat = time.Now().Add(-time.Minute)

	require.True(t, tbl.Heartbeat(b.id))
	reaped := tbl.reap(time.Now())
	assert.Equal(t, []string{a.id}, reaped)
	assert.False(t, tbl.Heartbeat(a.id))
	assert.True(t, tbl.Heartbeat(b.id))
}

func postJSON(t *testing.T, url string, body any, wantStatus int, out any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func TestClientSession_ConcurrentWritesStayFramed(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cs := &clientSession{id: "s1", conn: server}

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			cs.respond(int64(i+1), map[string]string{"payload": "a-long-enough-result-body"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			cs.notify(wire.NotifyDetection, wire.DetectionParams{Ports: []wire.DetectedPortInfo{}})
		}
	}()

	reader := bufio.NewReader(client)
	for i := 0; i < 2*rounds; i++ {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var msg map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(line, &msg), "interleaved write produced invalid JSON: %q", line)
	}
	wg.Wait()
}
