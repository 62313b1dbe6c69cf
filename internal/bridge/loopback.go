package bridge

import (
	"context"
	"io"
	"sync"

	"github.com/aretw0/portino/pkg/domain"
)

// LoopbackBackend is an in-process backend that echoes every write back as
// output. It backs tests and the demo mode of the serve command.
type LoopbackBackend struct {
	mu    sync.Mutex
	ports []string
	opens map[string]*loopbackPort
}

func NewLoopbackBackend(ports ...string) *LoopbackBackend {
	if len(ports) == 0 {
		ports = []string{"loop0"}
	}
	return &LoopbackBackend{ports: ports, opens: make(map[string]*loopbackPort)}
}

func (b *LoopbackBackend) Protocol() string { return "loopback" }

// SetPorts replaces the detected port list, simulating plug and unplug.
func (b *LoopbackBackend) SetPorts(ports ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports = ports
}

func (b *LoopbackBackend) ListPorts(ctx context.Context) ([]DetectedPort, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	detected := make([]DetectedPort, 0, len(b.ports))
	for _, p := range b.ports {
		detected = append(detected, DetectedPort{
			Key:         domain.NewPortKey("loopback", p),
			Path:        p,
			Description: "loopback port",
		})
	}
	return detected, nil
}

func (b *LoopbackBackend) OpenPort(ctx context.Context, address string, baudrate int, options map[string]string) (io.ReadWriteCloser, error) {
	pr, pw := io.Pipe()
	port := &loopbackPort{r: pr, w: pw}
	b.mu.Lock()
	b.opens[address] = port
	b.mu.Unlock()
	return port, nil
}

// Inject makes bytes appear as device output on an open port, as if the
// hardware had spoken unprompted.
func (b *LoopbackBackend) Inject(address string, data []byte) bool {
	b.mu.Lock()
	port := b.opens[address]
	b.mu.Unlock()
	if port == nil {
		return false
	}
	_, err := port.w.Write(data)
	return err == nil
}

type loopbackPort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *loopbackPort) Read(buf []byte) (int, error) { return p.r.Read(buf) }

func (p *loopbackPort) Write(data []byte) (int, error) {
	// Echo. Writes block until a reader drains the pipe.
	return p.w.Write(data)
}

func (p *loopbackPort) Close() error {
	p.w.CloseWithError(io.EOF)
	return p.r.Close()
}
