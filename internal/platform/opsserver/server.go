// Package opsserver serves the worker's health, readiness and metrics
// endpoints.
package opsserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/middleware"
)

// ReadyFunc reports whether the worker is consuming.
type ReadyFunc func() bool

type Server struct {
	echo   *echo.Echo
	addr   string
	logger zerolog.Logger
}

// New builds the server. stats may be nil.
func New(addr string, pinger db.Pinger, stats func() *db.PoolStats, ready ReadyFunc, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/health", "/ready", "/metrics"))

	e.GET("/health", db.HealthHandler(pinger, stats))
	e.GET("/ready", readyHandler(ready))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{echo: e, addr: addr, logger: logger}
}

func readyHandler(ready ReadyFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ready == nil || !ready() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("starting ops server")
		errc <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down ops server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
