package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/portino/internal/bridge"
	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
)

func startBridge(t *testing.T, wireAddr string) *bridge.Server {
	t.Helper()
	srv := bridge.NewServer(bridge.Config{
		WireAddr:          wireAddr,
		HTTPAddr:          "127.0.0.1:0",
		Backends:          []bridge.Backend{bridge.NewLoopbackBackend("dev0")},
		DetectionInterval: 50 * time.Millisecond,
		Version:           "1.0.0",
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

type frameCollector struct {
	mu     sync.Mutex
	byPort map[domain.PortKey][]byte
	got    chan struct{}
}

func newFrameCollector() *frameCollector {
	return &frameCollector{byPort: make(map[domain.PortKey][]byte), got: make(chan struct{}, 64)}
}

func (f *frameCollector) onFrame(port domain.PortKey, data []byte) {
	f.mu.Lock()
	f.byPort[port] = append(f.byPort[port], data...)
	f.mu.Unlock()
	select {
	case f.got <- struct{}{}:
	default:
	}
}

func (f *frameCollector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame arrived")
	}
}

func (f *frameCollector) bytes(port domain.PortKey) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.byPort[port])
}

func newTestClient(t *testing.T, srv *bridge.Server, handlers Handlers) *Client {
	t.Helper()
	c := New(srv.WireAddr(), domain.Identity{ClientID: "test-client", Version: "1.0.0"}, handlers, Options{
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  200 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_OpenSubscribeWrite(t *testing.T) {
	srv := startBridge(t, "127.0.0.1:0")
	frames := newFrameCollector()
	c := newTestClient(t, srv, Handlers{OnFrame: frames.onFrame})

	port := domain.NewPortKey("loopback", "dev0")
	ctx := context.Background()
	require.NoError(t, c.Open(ctx, port, 115200, nil))
	require.NoError(t, c.Subscribe(ctx, port, 0))

	n, err := c.Write(ctx, port, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	frames.wait(t)
	assert.Equal(t, "ping", frames.bytes(port))

	require.NoError(t, c.CloseMonitor(ctx, port))
	_, err = c.Write(ctx, port, []byte("late"))
	var me *domain.MonitorError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, domain.CodeOpenFailed, me.Code)
}

func TestClient_RepeatOpenSameConfigIsNoop(t *testing.T) {
	srv := startBridge(t, "127.0.0.1:0")
	c := newTestClient(t, srv, Handlers{})

	port := domain.NewPortKey("loopback", "dev0")
	ctx := context.Background()
	require.NoError(t, c.Open(ctx, port, 9600, nil))
	require.NoError(t, c.Open(ctx, port, 9600, nil))
}

func TestClient_LocalConfigConflict(t *testing.T) {
	srv := startBridge(t, "127.0.0.1:0")
	c := newTestClient(t, srv, Handlers{})

	port := domain.NewPortKey("loopback", "dev0")
	ctx := context.Background()
	require.NoError(t, c.Open(ctx, port, 9600, nil))

	err := c.Open(ctx, port, 115200, nil)
	var me *domain.MonitorError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, domain.CodeConfigConflict, me.Code)
}

func TestClient_RemoteConfigConflict(t *testing.T) {
	srv := startBridge(t, "127.0.0.1:0")
	a := newTestClient(t, srv, Handlers{})
	b := newTestClient(t, srv, Handlers{})

	port := domain.NewPortKey("loopback", "dev0")
	ctx := context.Background()
	require.NoError(t, a.Open(ctx, port, 9600, nil))

	err := b.Open(ctx, port, 115200, nil)
	var me *domain.MonitorError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, domain.CodeConfigConflict, me.Code)
}

func TestClient_DetectionCallback(t *testing.T) {
	srv := startBridge(t, "127.0.0.1:0")
	detected := make(chan []wire.DetectedPortInfo, 4)
	newTestClient(t, srv, Handlers{OnDetection: func(ports []wire.DetectedPortInfo) {
		select {
		case detected <- ports:
		default:
		}
	}})

	select {
	case ports := <-detected:
		require.Len(t, ports, 1)
		assert.Equal(t, "loopback|dev0", ports[0].PortKey)
	case <-time.After(5 * time.Second):
		t.Fatal("no detection notification")
	}
}

func TestClient_ReconnectRestoresMonitors(t *testing.T) {
	// Reserve a port so the replacement bridge can reuse the address.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	srv := startBridge(t, addr)

	frames := newFrameCollector()
	disconnected := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)
	c := newTestClient(t, srv, Handlers{
		OnFrame:      frames.onFrame,
		OnDisconnect: func() { disconnected <- struct{}{} },
		OnReconnect:  func() { reconnected <- struct{}{} },
	})

	port := domain.NewPortKey("loopback", "dev0")
	ctx := context.Background()
	require.NoError(t, c.Open(ctx, port, 115200, nil))
	require.NoError(t, c.Subscribe(ctx, port, 0))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, srv.Shutdown(shutdownCtx))
	cancel()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never observed")
	}

	startBridge(t, addr)
	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("reconnect never completed")
	}

	// The monitor was reopened and resubscribed on the new bridge.
	require.Eventually(t, func() bool {
		_, err := c.Write(ctx, port, []byte("again"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	frames.wait(t)
	assert.Contains(t, frames.bytes(port), "again")
}
