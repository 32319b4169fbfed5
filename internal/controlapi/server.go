// Package controlapi exposes the control surface SPEC_FULL.md section 6
// binds to concrete HTTP: an echo.Echo REST API for every run operation, a
// /ws/events websocket streaming the observability event bus, and a
// /metrics Prometheus endpoint. Grounded on http/server.go's
// NewEchoServer/StartServer/GracefulShutdown pattern (logger/recover/request-id
// middleware, graceful echo.Echo.Shutdown) and api/rest.go's handler/error
// shape (echo.NewHTTPError, plain JSON responses).
package controlapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/taskdaemon/taskdaemon/internal/coordinator"
	"github.com/taskdaemon/taskdaemon/internal/eventbus"
	"github.com/taskdaemon/taskdaemon/internal/supervisor"

	"github.com/taskdaemon/taskdaemon/internal/store"
)

// Config holds the control surface's tunable knobs.
type Config struct {
	Addr            string        // listen address, default ":8090"
	ContentDir      string        // where create-plan's content body is written
	ShutdownTimeout time.Duration // default 10s
	MetricsPath     string        // default "/metrics"
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	return c
}

// Server is the echo.Echo-backed control surface.
type Server struct {
	echo *echo.Echo
	cfg  Config
	log  *logrus.Entry

	store   *store.Store
	sup     *supervisor.Supervisor
	coord   *coordinator.Coordinator
	bus     *eventbus.Bus
	metrics *Metrics
}

// New builds a Server and registers every route; it does not start
// listening until Start is called.
func New(st *store.Store, sup *supervisor.Supervisor, coord *coordinator.Coordinator, bus *eventbus.Bus, metrics *Metrics, cfg Config, log *logrus.Logger) *Server {
	cfg = cfg.withDefaults()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo: e, cfg: cfg, log: log.WithField("component", "controlapi"),
		store: st, sup: sup, coord: coord, bus: bus, metrics: metrics,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	RegisterMetricsEndpoint(s.echo, s.cfg.MetricsPath)

	s.echo.GET("/runs/:collection", s.handleEnumerateRuns)
	s.echo.GET("/runs/:collection/:id", s.handleGetRun)
	s.echo.POST("/runs/:collection/:id/activate", s.handleActivateDraft)
	s.echo.POST("/runs/:collection/:id/start", s.handleStartDraft)
	s.echo.POST("/runs/:collection/:id/pause", s.handlePause)
	s.echo.POST("/runs/:collection/:id/resume", s.handleResume)
	s.echo.POST("/runs/:collection/:id/stop", s.handleStop)
	s.echo.POST("/plans", s.handleCreatePlan)
	s.echo.GET("/ws/events", s.handleWSEvents)
}

// Start listens in a background goroutine and returns immediately; errors
// other than http.ErrServerClosed are logged since Start itself cannot
// surface them once the listener is backgrounded. It also starts the
// background sampler that keeps Metrics current from Store/Coordinator/Bus
// state, since none of those packages emit metrics events of their own.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.echo.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("controlapi: server stopped")
		}
	}()
	if s.metrics != nil {
		go s.sampleMetrics(ctx)
	}
}

// Stop gracefully shuts the server down, matching
// http/server.go's GracefulShutdown.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("controlapi: shutdown: %w", err)
	}
	return nil
}
