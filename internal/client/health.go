package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aretw0/portino/internal/wire"
	"github.com/aretw0/portino/pkg/domain"
)

// ErrUnknownAttachment is returned when the bridge no longer knows the
// attachment id, typically after a bridge restart or a heartbeat lapse.
var ErrUnknownAttachment = errors.New("unknown attachment")

// Prober talks to the bridge's HTTP control surface.
type Prober struct {
	baseURL string
	httpc   *http.Client
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// ProberOptions tune the startup probe loop.
type ProberOptions struct {
	// Retries bounds WaitHealthy attempts before surfacing an error.
	Retries int
	// Backoff is the delay between attempts.
	Backoff time.Duration
	Logger  *slog.Logger
}

func NewProber(baseURL string, opts ProberOptions) *Prober {
	if opts.Retries <= 0 {
		opts.Retries = 20
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Prober{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 5 * time.Second},
		retries: opts.Retries,
		backoff: opts.Backoff,
		logger:  opts.Logger,
	}
}

// Probe performs one health round trip.
func (p *Prober) Probe(ctx context.Context) (*wire.HealthPayload, error) {
	var health wire.HealthPayload
	if err := p.post(ctx, "/control/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// WaitHealthy probes until the bridge answers, retrying connection refusals
// and timeouts up to the bounded attempt count.
func (p *Prober) WaitHealthy(ctx context.Context) (*wire.HealthPayload, error) {
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.backoff):
			}
		}
		health, err := p.Probe(ctx)
		if err == nil {
			return health, nil
		}
		lastErr = err
		p.logger.Debug("health probe failed", "attempt", attempt+1, "error", err)
	}
	return nil, &domain.MonitorError{
		Code:    domain.CodeBridgeUnreachable,
		Message: fmt.Sprintf("bridge did not become healthy after %d probes: %v", p.retries, lastErr),
	}
}

// Attach registers this consumer and returns the heartbeat contract.
func (p *Prober) Attach(ctx context.Context, clientID, version string) (*wire.AttachResult, error) {
	var result wire.AttachResult
	if err := p.post(ctx, "/control/attach", wire.AttachParams{ClientID: clientID, Version: version}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Detach deregisters an attachment. Unknown ids are not an error for the
// caller; the outcome is the same.
func (p *Prober) Detach(ctx context.Context, attachmentID string) error {
	err := p.post(ctx, "/control/detach", wire.AttachmentParams{AttachmentID: attachmentID}, nil)
	if errors.Is(err, ErrUnknownAttachment) {
		return nil
	}
	return err
}

// Heartbeat refreshes an attachment. ErrUnknownAttachment means the bridge
// forgot us and the caller must attach again.
func (p *Prober) Heartbeat(ctx context.Context, attachmentID string) error {
	return p.post(ctx, "/control/heartbeat", wire.AttachmentParams{AttachmentID: attachmentID}, nil)
}

// SetLogLevel adjusts the bridge's runtime log level.
func (p *Prober) SetLogLevel(ctx context.Context, level string) error {
	return p.post(ctx, "/control/logging", wire.LoggingParams{Level: level}, nil)
}

func (p *Prober) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownAttachment
	case resp.StatusCode != http.StatusOK:
		return &domain.MonitorError{
			Code:    domain.CodeOpenFailed,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("control %s returned %d", path, resp.StatusCode),
		}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Heartbeater keeps one attachment alive. A 404 triggers a silent re-attach
// instead of an error: the bridge restarted or reaped us, and a fresh
// attachment restores the previous situation exactly.
type Heartbeater struct {
	prober   *Prober
	clientID string
	version  string
	logger   *slog.Logger

	interval time.Duration
	timeout  time.Duration

	mu           sync.Mutex
	attachmentID string
	stop         chan struct{}
	done         chan struct{}
}

// NewHeartbeater attaches and starts the heartbeat loop. When the advertised
// interval or timeout is non-positive, heartbeats are disabled and only the
// initial attach happens.
func NewHeartbeater(ctx context.Context, prober *Prober, clientID, version string, logger *slog.Logger) (*Heartbeater, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	attach, err := prober.Attach(ctx, clientID, version)
	if err != nil {
		return nil, err
	}

	h := &Heartbeater{
		prober:       prober,
		clientID:     clientID,
		version:      version,
		logger:       logger,
		interval:     time.Duration(attach.HeartbeatIntervalMs) * time.Millisecond,
		timeout:      time.Duration(attach.HeartbeatTimeoutMs) * time.Millisecond,
		attachmentID: attach.AttachmentID,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if h.interval <= 0 || h.timeout <= 0 {
		close(h.done)
		return h, nil
	}
	go h.loop()
	return h, nil
}

// AttachmentID returns the currently held attachment id.
func (h *Heartbeater) AttachmentID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attachmentID
}

// Stop ends the loop and detaches.
func (h *Heartbeater) Stop(ctx context.Context) error {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
	return h.prober.Detach(ctx, h.AttachmentID())
}

func (h *Heartbeater) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.interval)
		err := h.prober.Heartbeat(ctx, h.AttachmentID())
		if errors.Is(err, ErrUnknownAttachment) {
			attach, reErr := h.prober.Attach(ctx, h.clientID, h.version)
			if reErr == nil {
				h.mu.Lock()
				h.attachmentID = attach.AttachmentID
				h.mu.Unlock()
				h.logger.Debug("re-attached after unknown attachment", "attachmentId", attach.AttachmentID)
			} else {
				h.logger.Warn("re-attach failed", "error", reErr)
			}
		} else if err != nil {
			h.logger.Debug("heartbeat failed", "error", err)
		}
		cancel()
	}
}
