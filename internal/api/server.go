// Package api serves the HTTP control surface: playbook listing, runs and
// diagrams, execution status and signals, schedules, and live progress over
// Server-Sent Events or WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rendis/playbookd/internal/engine"
	"github.com/rendis/playbookd/internal/handlers"
	"github.com/rendis/playbookd/internal/playbooks"
	"github.com/rendis/playbookd/internal/scheduler"
	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/internal/streaming"
	"github.com/rendis/playbookd/pkg/schema"
)

const gracefulShutdownTimeout = 10 * time.Second

// Catalog serves playbooks by name. Satisfied by *playbooks.Library.
type Catalog interface {
	Get(name string) (*schema.Playbook, error)
	List() []playbooks.Summary
	Report(name string) (*schema.ValidationReport, bool)
	Reload() (*playbooks.LoadResult, error)
}

// InputValidator checks run parameters. Satisfied by *validation.PlaybookValidator.
type InputValidator interface {
	ValidateInputs(pb *schema.Playbook, params map[string]any) error
}

// EventLog reads and appends execution events. Satisfied by *store.EventLog.
type EventLog interface {
	GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
	AppendEvent(ctx context.Context, event *store.Event) error
}

// HandlerLister lists registered step handlers. Satisfied by *handlers.Registry.
type HandlerLister interface {
	List() []handlers.HandlerInfo
}

// Deps holds the server's collaborators. Manager and Catalog are required;
// the rest switch their routes off when nil.
type Deps struct {
	Manager   *engine.Manager
	Catalog   Catalog
	Validator InputValidator
	Scheduler *scheduler.Scheduler
	Events    EventLog
	Hub       streaming.EventHub
	Handlers  HandlerLister
	Logger    *slog.Logger
	Version   string
}

// Server is the HTTP API server.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	router  http.Handler
	server  *http.Server
	clients *wsClients
}

// New creates a Server. It does not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Manager == nil {
		return nil, fmt.Errorf("execution manager is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("playbook catalog is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		logger:  deps.Logger.With("component", "api"),
		clients: newWSClients(),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds addr and serves in a background goroutine. Bind errors are
// returned directly.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Close disconnects stream clients and waits for in-flight requests.
func (s *Server) Close() error {
	s.clients.closeAll()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
