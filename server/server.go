// Package server implements the hotplug HTTP surface: the plugin control
// plane under /api and the dynamic routes that loaded plugins contribute.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/hotplug/config"
	"github.com/GoCodeAlone/hotplug/history"
	"github.com/GoCodeAlone/hotplug/manager"
)

// Server is the hotplug HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	plugins *manager.Manager
	events  *history.Store

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		startTime: time.Now(),
		version:   ver,
	}
}

// SetManager attaches the plugin lifecycle manager to the server.
func (s *Server) SetManager(m *manager.Manager) {
	s.plugins = m
}

// SetHistory attaches the lifecycle event store to the server.
func (s *Server) SetHistory(store *history.Store) {
	s.events = store
}

// SetPluginRoutes mounts the dynamic route table that serves endpoints
// contributed by loaded plugins. Everything outside /api is delegated to it.
// Call before Start.
func (s *Server) SetPluginRoutes(routes http.Handler) {
	s.mux.Handle("/", routes)
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up the control-plane routes.
func (s *Server) registerRoutes() {
	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	// Protected API, wrapped in auth middleware.
	apiMux := http.NewServeMux()
	s.registerPluginRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
