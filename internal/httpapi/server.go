// Package httpapi serves the HTTP control surface: health and readiness,
// relay status and history, start/stop/reconfigure, Prometheus metrics and
// two websocket streams (status events as JSON, output preview as msgpack).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	vcamrelay "github.com/e7canasta/vcam-relay"
	"github.com/e7canasta/vcam-relay/internal/metrics"
)

// Relay is the part of *vcamrelay.Relay the HTTP API drives.
type Relay interface {
	Start(url string) error
	Stop() error
	Reconfigure(width, height int, fps float64) error
	State() vcamrelay.Status
	History() []string
	Stats() vcamrelay.Stats
	Subscribe(name string) (<-chan vcamrelay.Status, func())
	Preview(fn vcamrelay.FrameObserver)
}

// Options configures the server.
type Options struct {
	Addr         string
	PreviewFPS   float64 // 0 disables /ws/preview
	PreviewWidth int
}

// Server is the HTTP control surface.
type Server struct {
	relay    Relay
	opts     Options
	started  time.Time
	preview  *Preview
	registry *prometheus.Registry
	upgrader websocket.Upgrader
	server   *http.Server

	// closed on Shutdown so websocket handlers return
	done     chan struct{}
	doneOnce sync.Once
	conns    sync.WaitGroup
}

// New creates a server and registers the relay metrics.
func New(relay Relay, opts Options) (*Server, error) {
	if opts.PreviewWidth <= 0 {
		opts.PreviewWidth = 320
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if _, err := metrics.Register(reg, relay); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	s := &Server{
		relay:    relay,
		opts:     opts,
		started:  time.Now(),
		registry: reg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin:      func(_ *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}

	if opts.PreviewFPS > 0 {
		s.preview = NewPreview(opts.PreviewFPS, opts.PreviewWidth)
		relay.Preview(s.preview.Observe)
	}

	s.server = &http.Server{
		Addr:        opts.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleLiveness)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /reconfigure", s.handleReconfigure)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws/status", s.handleStatusStream)
	mux.HandleFunc("GET /ws/preview", s.handlePreviewStream)

	return mux
}

// Start listens on Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	slog.Info("httpapi: server listening",
		"addr", ln.Addr().String(),
		"preview_fps", s.opts.PreviewFPS,
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("httpapi: server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests, closes websocket streams and waits for
// in-flight handlers until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	s.relay.Preview(nil)
	if s.preview != nil {
		s.preview.Close()
	}

	err := s.server.Shutdown(ctx)

	// Hijacked websocket connections are not tracked by http.Server.
	waited := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		slog.Warn("httpapi: websocket streams did not close before shutdown timeout")
	}

	slog.Info("httpapi: server stopped")
	return err
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpapi: failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
