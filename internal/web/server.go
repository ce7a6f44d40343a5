// Package web exposes the hub over HTTP: a JSON API for layouts, alerts and
// switch commands, a WebSocket stream of pipeline events, and the Prometheus
// metrics endpoint. The dashboard frontend is a separate application and
// talks to this API cross-origin.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"switchgrid/internal/broker"
	"switchgrid/internal/metrics"
	"switchgrid/internal/store"
	"switchgrid/internal/telemetry"
)

// Broker is the subset of the connection manager the API needs.
type Broker interface {
	EnsureSubscribed(dev store.Device) error
	Teardown(dev store.Device)
	RequestReadParams(ep broker.Endpoint, address string) error
	RequestDeviceInfo(ep broker.Endpoint, address string) error
	RequestScan(ep broker.Endpoint) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origin patterns for CORS and WebSocket.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the hub API.
type Server struct {
	store          store.Store
	broker         Broker
	logger         *slog.Logger
	mux            *http.ServeMux
	wsHub          *WSHub
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and subscribes its WebSocket hub to the
// event bus.
func NewServer(st store.Store, br Broker, bus *telemetry.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:  st,
		broker: br,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = bus.OnAll(func(event telemetry.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop unsubscribes from the bus and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	// Layouts
	s.mux.HandleFunc("GET /api/owners/{owner}/layouts", s.handleListLayouts)
	s.mux.HandleFunc("GET /api/owners/{owner}/layouts/{id}", s.handleGetLayout)
	s.mux.HandleFunc("PUT /api/owners/{owner}/layouts/{id}", s.handleSaveLayout)
	s.mux.HandleFunc("DELETE /api/owners/{owner}/layouts/{id}", s.handleDeleteLayout)

	// Alert log
	s.mux.HandleFunc("GET /api/owners/{owner}/alerts", s.handleListAlerts)
	s.mux.HandleFunc("DELETE /api/owners/{owner}/alerts/{seq}", s.handleDeleteAlert)

	// Switch commands
	s.mux.HandleFunc("POST /api/owners/{owner}/nodes/{address}/command", s.handleNodeCommand)
	s.mux.HandleFunc("POST /api/owners/{owner}/nodes/{address}/refresh", s.handleNodeRefresh)
	s.mux.HandleFunc("POST /api/owners/{owner}/nodes/{address}/identify", s.handleNodeIdentify)
	s.mux.HandleFunc("POST /api/scan", s.handleScan)

	// Observability
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
