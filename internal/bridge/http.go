package bridge

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/portino/internal/logging"
	"github.com/aretw0/portino/internal/wire"
)

// controlRouter serves the HTTP control surface: health probing, consumer
// attachment with heartbeats, runtime log level, metrics.
func (s *Server) controlRouter() http.Handler {
	r := chi.NewRouter()

	r.Post("/control/health", s.handleHealth)
	r.Post("/control/attach", s.handleAttach)
	r.Post("/control/detach", s.handleDetach)
	r.Post("/control/heartbeat", s.handleHeartbeat)
	r.Post("/control/logging", s.handleLogging)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := wire.HealthPayload{
		Status:        "ok",
		PID:           os.Getpid(),
		Port:          s.wirePort(),
		Attachments:   s.attach.Count(),
		Version:       s.cfg.Version,
		ExtensionPath: s.cfg.Identity.ExtensionPath,
		Commit:        s.cfg.Identity.Commit,
		Mode:          s.cfg.Identity.Mode,
		StartedAt:     s.startedAt,
		NodeVersion:   runtime.Version(),
		Platform:      runtime.GOOS,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var params wire.AttachParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a := s.attach.Attach(params.ClientID)
	s.logger.Info("consumer attached", "attachmentId", a.id, "clientId", params.ClientID)
	writeJSON(w, http.StatusOK, wire.AttachResult{
		AttachmentID:        a.id,
		HeartbeatIntervalMs: int(s.cfg.HeartbeatInterval / time.Millisecond),
		HeartbeatTimeoutMs:  int(s.cfg.HeartbeatTimeout / time.Millisecond),
	})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var params wire.AttachmentParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.attach.Detach(params.AttachmentID) {
		http.Error(w, "unknown attachment", http.StatusNotFound)
		return
	}
	s.logger.Info("consumer detached", "attachmentId", params.AttachmentID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleHeartbeat refreshes an attachment's lease. Unknown ids get a 404 so
// the consumer knows to attach again from scratch.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var params wire.AttachmentParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.attach.Heartbeat(params.AttachmentID) {
		http.Error(w, "unknown attachment", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	var params wire.LoggingParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.cfg.LogLevel.Set(logging.ParseLevel(params.Level))
	s.logger.Info("log level changed", "level", params.Level)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) wirePort() int {
	_, portStr, err := net.SplitHostPort(s.WireAddr())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// attachment is one consumer registered over HTTP. It stays alive as long as
// heartbeats arrive within the timeout.
type attachment struct {
	id       string
	clientID string
	lastBeat time.Time
}

type attachmentTable struct {
	ttl     time.Duration
	metrics *Metrics

	mu   sync.Mutex
	byID map[string]*attachment
}

func newAttachmentTable(ttl time.Duration, metrics *Metrics) *attachmentTable {
	return &attachmentTable{ttl: ttl, metrics: metrics, byID: make(map[string]*attachment)}
}

func (t *attachmentTable) Attach(clientID string) *attachment {
	a := &attachment{id: newSessionID(), clientID: clientID, lastBeat: time.Now()}
	t.mu.Lock()
	t.byID[a.id] = a
	t.mu.Unlock()
	t.metrics.Attachments.Inc()
	return a
}

func (t *attachmentTable) Detach(id string) bool {
	t.mu.Lock()
	_, ok := t.byID[id]
	delete(t.byID, id)
	t.mu.Unlock()
	if ok {
		t.metrics.Attachments.Dec()
	}
	return ok
}

func (t *attachmentTable) Heartbeat(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byID[id]
	if !ok {
		return false
	}
	a.lastBeat = time.Now()
	return true
}

func (t *attachmentTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// reap removes attachments whose last heartbeat is older than the TTL and
// returns their ids.
func (t *attachmentTable) reap(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var reaped []string
	for id, a := range t.byID {
		if now.Sub(a.lastBeat) > t.ttl {
			delete(t.byID, id)
			reaped = append(reaped, id)
		}
	}
	for range reaped {
		t.metrics.Attachments.Dec()
	}
	return reaped
}

func (t *attachmentTable) reapLoop(closed <-chan struct{}, logger *slog.Logger) {
	interval := t.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case now := <-ticker.C:
			for _, id := range t.reap(now) {
				logger.Warn("attachment reaped after missed heartbeats", "attachmentId", id)
			}
		}
	}
}
