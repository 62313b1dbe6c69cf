package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
)

// gatedBackend blocks inside OpenPort until the test releases it, optionally
// with an error.
type gatedBackend struct {
	inner   *LoopbackBackend
	entered chan struct{}
	release chan error
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		inner:   NewLoopbackBackend("dev0"),
		entered: make(chan struct{}, 4),
		release: make(chan error),
	}
}

func (g *gatedBackend) Protocol() string { return "loopback" }

func (g *gatedBackend) ListPorts(ctx context.Context) ([]DetectedPort, error) {
	return g.inner.ListPorts(ctx)
}

func (g *gatedBackend) OpenPort(ctx context.Context, address string, baudrate int, options map[string]string) (io.ReadWriteCloser, error) {
	g.entered <- struct{}{}
	if err := <-g.release; err != nil {
		return nil, err
	}
	return g.inner.OpenPort(ctx, address, baudrate, options)
}

type collectSink struct {
	mu     sync.Mutex
	frames []wire.Frame
	got    chan struct{}
}

func newCollectSink() *collectSink {
	return &collectSink{got: make(chan struct{}, 64)}
}

func (c *collectSink) deliverFrame(f wire.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
}

func (c *collectSink) wait(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

func newTestRegistry(backend Backend) (*handleRegistry, *[]domain.PhysicalState) {
	states := &[]domain.PhysicalState{}
	var mu sync.Mutex
	onState := func(id uint32, port domain.PortKey, state domain.PhysicalState) {
		mu.Lock()
		*states = append(*states, state)
		mu.Unlock()
	}
	reg := newHandleRegistry([]Backend{backend}, 1024, NewMetrics(), slog.New(slog.DiscardHandler), onState)
	return reg, states
}

func TestRegistry_SharedOpenSameConfig(t *testing.T) {
	reg, _ := newTestRegistry(NewLoopbackBackend("dev0"))
	port := domain.NewPortKey("loopback", "dev0")

	first, err := reg.Open(context.Background(), port, 115200, nil)
	require.NoError(t, err)
	second, err := reg.Open(context.Background(), port, 115200, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical config shares one monitor id")

	require.NoError(t, reg.Close(first))
	state, ok := reg.State(first)
	require.True(t, ok, "one reference remains after the first close")
	assert.Equal(t, domain.PhysicalStarted, state)

	require.NoError(t, reg.Close(first))
	_, ok = reg.State(first)
	assert.False(t, ok, "last close tears the handle down")
}

func TestRegistry_ConflictingConfigRejected(t *testing.T) {
	reg, _ := newTestRegistry(NewLoopbackBackend("dev0"))
	port := domain.NewPortKey("loopback", "dev0")

	id, err := reg.Open(context.Background(), port, 115200, nil)
	require.NoError(t, err)

	_, err = reg.Open(context.Background(), port, 9600, nil)
	var me *domain.MonitorError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, domain.CodeConfigConflict, me.Code)

	// The port frees up once the holder is gone.
	require.NoError(t, reg.Close(id))
	_, err = reg.Open(context.Background(), port, 9600, nil)
	assert.NoError(t, err)
}

func TestRegistry_UnknownProtocol(t *testing.T) {
	reg, _ := newTestRegistry(NewLoopbackBackend("dev0"))

	_, err := reg.Open(context.Background(), domain.NewPortKey("serial", "/dev/ttyACM0"), 115200, nil)
	var me *domain.MonitorError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, domain.CodeOpenFailed, me.Code)
}

func TestRegistry_UnknownMonitor(t *testing.T) {
	reg, _ := newTestRegistry(NewLoopbackBackend("dev0"))

	assert.ErrorIs(t, reg.Close(99), errMonitorNotFound)
	_, err := reg.Subscribe(99, newCollectSink(), 0)
	assert.ErrorIs(t, err, errMonitorNotFound)
	_, err = reg.Write(99, []byte("x"))
	assert.ErrorIs(t, err, errMonitorNotFound)
}

func TestRegistry_WriteEchoesToSubscriber(t *testing.T) {
	backend := NewLoopbackBackend("dev0")
	reg, _ := newTestRegistry(backend)
	port := domain.NewPortKey("loopback", "dev0")

	id, err := reg.Open(context.Background(), port, 0, nil)
	require.NoError(t, err)
	defer reg.Close(id)

	sink := newCollectSink()
	tail, err := reg.Subscribe(id, sink, 0)
	require.NoError(t, err)
	assert.Empty(t, tail)

	n, err := reg.Write(id, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	frame := sink.wait(t)
	assert.Equal(t, id, frame.MonitorID)
	assert.Equal(t, "ping", string(frame.Payload))
}

func TestRegistry_TailReplaysHistory(t *testing.T) {
	backend := NewLoopbackBackend("dev0")
	reg, _ := newTestRegistry(backend)
	port := domain.NewPortKey("loopback", "dev0")

	id, err := reg.Open(context.Background(), port, 0, nil)
	require.NoError(t, err)
	defer reg.Close(id)

	// A sink is needed so the echo write does not race subscription; the
	// tail is filled by the pump regardless.
	early := newCollectSink()
	_, err = reg.Subscribe(id, early, 0)
	require.NoError(t, err)

	require.True(t, backend.Inject("dev0", []byte("history")))
	early.wait(t)

	late := newCollectSink()
	tail, err := reg.Subscribe(id, late, 4)
	require.NoError(t, err)
	assert.Equal(t, "tory", string(tail), "tail is capped and keeps the newest bytes")
}

func TestRegistry_UnsubscribeStopsDelivery(t *testing.T) {
	backend := NewLoopbackBackend("dev0")
	reg, _ := newTestRegistry(backend)
	port := domain.NewPortKey("loopback", "dev0")

	id, err := reg.Open(context.Background(), port, 0, nil)
	require.NoError(t, err)
	defer reg.Close(id)

	kept := newCollectSink()
	dropped := newCollectSink()
	_, err = reg.Subscribe(id, kept, 0)
	require.NoError(t, err)
	_, err = reg.Subscribe(id, dropped, 0)
	require.NoError(t, err)
	reg.Unsubscribe(id, dropped)

	require.True(t, backend.Inject("dev0", []byte("data")))
	kept.wait(t)

	dropped.mu.Lock()
	defer dropped.mu.Unlock()
	assert.Empty(t, dropped.frames)
}

func TestRegistry_StateTransitions(t *testing.T) {
	reg, states := newTestRegistry(NewLoopbackBackend("dev0"))
	port := domain.NewPortKey("loopback", "dev0")

	id, err := reg.Open(context.Background(), port, 0, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Close(id))

	assert.Equal(t, []domain.PhysicalState{
		domain.PhysicalStarting,
		domain.PhysicalStarted,
		domain.PhysicalStopping,
		domain.PhysicalStopped,
	}, *states)
}

func TestRegistry_CloseAll(t *testing.T) {
	reg, _ := newTestRegistry(NewLoopbackBackend("dev0", "dev1"))

	a, err := reg.Open(context.Background(), domain.NewPortKey("loopback", "dev0"), 0, nil)
	require.NoError(t, err)
	_, err = reg.Open(context.Background(), domain.NewPortKey("loopback", "dev0"), 0, nil)
	require.NoError(t, err)
	b, err := reg.Open(context.Background(), domain.NewPortKey("loopback", "dev1"), 0, nil)
	require.NoError(t, err)

	reg.CloseAll()
	_, ok := reg.State(a)
	assert.False(t, ok)
	_, ok = reg.State(b)
	assert.False(t, ok)
}

func TestRegistry_SharedOpenWaitsForBackend(t *testing.T) {
	backend := newGatedBackend()
	reg, _ := newTestRegistry(backend)
	port := domain.NewPortKey("loopback", "dev0")

	type result struct {
		id  uint32
		err error
	}
	results := make(chan result, 2)
	open := func() {
		id, err := reg.Open(context.Background(), port, 0, nil)
		results <- result{id, err}
	}

	go open()
	<-backend.entered
	go open()

	// Neither caller may resolve while the backend open is still pending.
	select {
	case r := <-results:
		t.Fatalf("open resolved before the backend settled: id=%d err=%v", r.id, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	backend.release <- errors.New("device vanished")

	for i := 0; i < 2; i++ {
		r := <-results
		var me *domain.MonitorError
		require.ErrorAs(t, r.err, &me)
		assert.Equal(t, domain.CodeOpenFailed, me.Code)
	}

	// The failed open leaves no monitor behind.
	_, err := reg.Write(1, []byte("x"))
	assert.ErrorIs(t, err, errMonitorNotFound)

	// The key is free again, so a fresh open succeeds once released.
	go open()
	<-backend.entered
	backend.release <- nil
	r := <-results
	require.NoError(t, r.err)
	require.NoError(t, reg.Close(r.id))
}

func TestRegistry_CloseWaitsForPendingOpen(t *testing.T) {
	backend := newGatedBackend()
	reg, _ := newTestRegistry(backend)
	port := domain.NewPortKey("loopback", "dev0")

	ids := make(chan uint32, 2)
	open := func() {
		id, err := reg.Open(context.Background(), port, 0, nil)
		assert.NoError(t, err)
		ids <- id
	}

	go open()
	<-backend.entered
	go open()
	backend.release <- nil

	first := <-ids
	second := <-ids
	require.Equal(t, first, second)

	closed := make(chan error, 2)
	go func() { closed <- reg.Close(first) }()
	go func() { closed <- reg.Close(first) }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("close did not return")
		}
	}
	_, ok := reg.State(first)
	assert.False(t, ok)
}
