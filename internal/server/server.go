// Package server is the operational HTTP surface: liveness, readiness,
// and Prometheus metrics. Data-plane operations never go through it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
)

// Server serves the ops endpoints.
type Server struct {
	echo    *echo.Echo
	catalog *storage.Catalog
	index   index.Index
	logger  *logging.Logger
	cfg     config.ServerConfig
}

// New wires the ops server. Catalog and index back the readiness probe.
func New(catalog *storage.Catalog, idx index.Index, cfg config.ServerConfig, logger *logging.Logger) (*Server, error) {
	if catalog == nil || idx == nil {
		return nil, fmt.Errorf("server: catalog and index are required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:    e,
		catalog: catalog,
		index:   idx,
		logger:  logger.Named("server"),
		cfg:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/readyz", s.handleReadyz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the body for GET /healthz and /readyz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReadyz reports whether the daemon can serve: catalog reachable
// and the vector index healthy.
func (s *Server) handleReadyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"catalog": "ok", "index": "ok"}
	status := http.StatusOK

	if err := s.catalog.Ping(ctx); err != nil {
		checks["catalog"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.index.Healthy(ctx); err != nil {
		checks["index"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	resp := HealthResponse{Status: "ready", Checks: checks}
	if status != http.StatusOK {
		resp.Status = "unavailable"
	}
	return c.JSON(status, resp)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "ops server listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
