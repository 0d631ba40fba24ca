package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livefeed/internal/domain"
)

// websocketHandler upgrades GET /ws. Implemented by *gateway.Gateway.
type websocketHandler interface {
	Handle(c echo.Context) error
}

type Options struct {
	Port          string
	PublishAPIKey string
	HealthChecks  []HealthCheck
	Clock         clockwork.Clock
}

type Server struct {
	echo          *echo.Echo
	port          string
	publishAPIKey string

	gateway      websocketHandler
	publisher    domain.Publisher
	healthChecks []HealthCheck

	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(gateway websocketHandler, publisher domain.Publisher, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:          e,
		port:          opts.Port,
		publishAPIKey: opts.PublishAPIKey,
		gateway:       gateway,
		publisher:     publisher,
		healthChecks:  opts.HealthChecks,
		clock:         clock,
		startTime:     clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.port)
	if err := s.echo.Start(":" + s.port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
