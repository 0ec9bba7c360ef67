// Package server exposes a running optimization over HTTP: a status
// snapshot, a server-sent event stream and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kasmith/coep/internal/controller"
)

// EventSource is implemented by controller.Controller.
type EventSource interface {
	Subscribe() chan controller.Event
	Unsubscribe(chan controller.Event)
}

// Server represents the HTTP server
type Server struct {
	addr     string
	source   EventSource
	gatherer prometheus.Gatherer
	monitor  *Monitor

	events chan controller.Event
	done   chan struct{}
	server *http.Server
}

// NewServer creates a server that follows source. gatherer may be nil, in
// which case /metrics is not served.
func NewServer(addr string, source EventSource, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:     addr,
		source:   source,
		gatherer: gatherer,
		monitor:  NewMonitor(),
		events:   source.Subscribe(),
		done:     make(chan struct{}),
	}
	go s.track()
	return s
}

func (s *Server) track() {
	defer close(s.done)
	for ev := range s.events {
		s.monitor.Apply(ev)
	}
}

// Status returns the current run status.
func (s *Server) Status() RunStatus {
	return s.monitor.Status()
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/events", s.handleEventStream)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and stops following the
// event source.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	s.source.Unsubscribe(s.events)

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.monitor.Status())
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
