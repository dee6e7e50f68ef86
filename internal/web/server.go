package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/iphizic/homed-service-zigbee/internal/registry"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires the X-API-Key header on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins restricts cross-origin writes and websocket upgrades to
// the given origins. "*" allows any origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API over the device registry.
type Server struct {
	reg            *registry.Registry
	wsHub          *WSHub
	logger         *slog.Logger
	handler        http.Handler
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and starts forwarding registry events to
// websocket clients.
func NewServer(reg *registry.Registry, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		reg:    reg,
		logger: logger.With("component", "web"),
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
	s.unsubEvents = reg.Events().OnAll(s.wsHub.Broadcast)

	var h http.Handler = s.routes()
	if s.apiKey != "" {
		h = s.requireAPIKey(h)
	}
	if len(s.allowedOrigins) > 0 {
		h = s.checkOrigin(h)
	}
	s.handler = h
	return s
}

// Stop detaches from the registry, closes websocket clients and waits for
// the hub to exit.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	mux.HandleFunc("GET /api/devices/{name}", s.handleAPIGetDevice)
	mux.HandleFunc("PATCH /api/devices/{name}", s.handleAPIRenameDevice)
	mux.HandleFunc("DELETE /api/devices/{name}", s.handleAPIDeleteDevice)
	mux.HandleFunc("POST /api/devices/{name}/setup", s.handleAPISetupDevice)
	mux.HandleFunc("GET /api/properties", s.handleAPIProperties)
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("POST /api/permit-join", s.handleAPIPermitJoin)
	mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// checkOrigin answers CORS preflights and rejects writes from unknown
// origins. Reads and same-origin requests without an Origin header pass.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if !s.isOriginAllowed(origin) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey guards /api/. The websocket stays open because browsers
// cannot set headers on the upgrade request.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isOriginAllowed(origin string) bool {
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
