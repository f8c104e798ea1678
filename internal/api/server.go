// Package api provides the HTTP API server for wxvault.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/wesm/wxvault/internal/config"
	"github.com/wesm/wxvault/internal/contacts"
	"github.com/wesm/wxvault/internal/service"
)

// Backend defines the data operations the API needs.
type Backend interface {
	Contacts(ctx context.Context) (*contacts.Snapshot, error)
	RefreshContacts(ctx context.Context) (*contacts.Snapshot, error)
	Conversation(ctx context.Context, contactID string, limit, offset int) (*service.Conversation, error)
	Status() service.Status
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	backend     Backend
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
	loc         *time.Location
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, backend Backend, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		loc:     time.Local,
	}
	s.router = s.setupRouter()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(CORSMiddleware(s.cfg.Server.CORSMaxAge))

	if s.cfg.Server.RateLimitRPS > 0 {
		s.rateLimiter = NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateBurst())
		r.Use(RateLimitMiddleware(s.rateLimiter))
	}

	// Unknown routes and known routes with the wrong method both answer 404.
	// Set before Route so the /api subrouter inherits them.
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/contacts", s.handleContacts)
		r.Post("/contacts/refresh", s.handleRefreshContacts)
		r.Get("/messages/{id}", s.handleMessages)
		r.Get("/status", s.handleStatus)
	})

	return r
}

// Listen binds the configured address. Binding separately from Serve lets
// callers report a port conflict as a startup failure.
func (s *Server) Listen() (net.Listener, error) {
	addr := s.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.Server.AuthKey == "" {
		s.logger.Warn("API server running without authentication")
	}
	s.logger.Info("starting API server", "addr", ln.Addr().String())
	return ln, nil
}

// Serve answers requests on ln until Shutdown. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Start binds and serves in the calling goroutine.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.fail(w, r, fmt.Errorf("%w: %s %s", ErrNotFound, r.Method, r.URL.Path))
}
