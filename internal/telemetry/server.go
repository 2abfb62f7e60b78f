package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler serving /metrics, /events and /healthz.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/events", h.handleEvents)
	mux.HandleFunc("/healthz", h.handleHealth)
	return mux
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	after := r.URL.Query().Get("after")
	if after == "" {
		after = r.Header.Get("Last-Event-ID")
	}

	var lastID int64
	if after != "" {
		id, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			http.Error(w, "invalid event id", http.StatusBadRequest)
			return
		}
		lastID = id
	}

	events := h.Events(lastID)
	if events == nil {
		events = []Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"state": h.State()})
}

// Server serves the hub over HTTP.
type Server struct {
	httpServer   *http.Server
	hub          *Hub
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewServer creates a telemetry server for hub.
func NewServer(hub *Hub, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		hub:          hub,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		httpServer: &http.Server{
			Handler:      hub.Handler(),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start telemetry server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown telemetry server: %w", err)
	}

	return nil
}
