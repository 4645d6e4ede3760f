// Package http serves the admin surface: liveness and readiness,
// Prometheus metrics, workflow snapshots, and specification intake over
// HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/intake"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/orchestrator"
)

// maxManifestBody caps POST /v1/specifications bodies.
const maxManifestBody = 1 << 20

// WorkflowReader exposes run snapshots. *orchestrator.Orchestrator
// satisfies it.
type WorkflowReader interface {
	Workflows() []orchestrator.Workflow
	Workflow(id string) (orchestrator.Workflow, bool)
}

// SpecCreator persists new specifications into the backlog.
// *lifecycle.Manager satisfies it.
type SpecCreator interface {
	Create(ctx context.Context, spec lifecycle.Specification) (lifecycle.Specification, error)
}

// ReadyCheck probes one dependency for readiness.
type ReadyCheck func(ctx context.Context) error

// Server is the admin HTTP server.
type Server struct {
	cfg      config.ServerConfig
	log      *logging.Logger
	echo     *echo.Echo
	flows    WorkflowReader
	specs    SpecCreator
	accept   intake.AcceptFunc
	checks   map[string]ReadyCheck
	gatherer prometheus.Gatherer
	metrics  *httpMetrics
}

// NewServer assembles the admin server. accept may be nil to only
// create specifications; checks may be nil; gatherer defaults to the
// process-wide one; reg may be nil.
func NewServer(
	cfg config.ServerConfig,
	flows WorkflowReader,
	specs SpecCreator,
	accept intake.AcceptFunc,
	checks map[string]ReadyCheck,
	gatherer prometheus.Gatherer,
	log *logging.Logger,
	reg prometheus.Registerer,
) (*Server, error) {
	if flows == nil {
		return nil, errors.New("http: workflow reader is required")
	}
	if specs == nil {
		return nil, errors.New("http: spec creator is required")
	}
	if log == nil {
		log = logging.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout.Duration()
	e.Server.WriteTimeout = cfg.WriteTimeout.Duration()

	s := &Server{
		cfg:      cfg,
		log:      log.Named("http"),
		echo:     e,
		flows:    flows,
		specs:    specs,
		accept:   accept,
		checks:   checks,
		gatherer: gatherer,
		metrics:  newHTTPMetrics(reg),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.middleware())
	e.Use(s.requestLogger())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/readyz", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/v1")
	v1.GET("/workflows", s.handleWorkflows)
	v1.GET("/workflows/:id", s.handleWorkflow)
	v1.POST("/specifications", s.handleCreateSpecification)
}

// requestLogger logs one line per request with the assigned request ID.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			s.log.Info(c.Request().Context(), "http request",
				zap.String("http.method", c.Request().Method),
				zap.String("http.uri", c.Request().RequestURI),
				zap.Int("http.status", c.Response().Status),
				zap.Duration("http.duration", time.Since(start)),
				zap.String("http.request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

// HealthResponse is the body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the body for GET /readyz.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// WorkflowListResponse is the body for GET /v1/workflows.
type WorkflowListResponse struct {
	Workflows []orchestrator.Workflow `json:"workflows"`
}

// SpecificationResponse is the body for POST /v1/specifications.
type SpecificationResponse struct {
	Specification lifecycle.Specification `json:"specification"`
	Tasks         int                     `json:"tasks"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	ctx := c.Request().Context()
	results := make(map[string]string, len(s.checks))
	ready := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}

	if !ready {
		return c.JSON(http.StatusServiceUnavailable, ReadyResponse{Status: "degraded", Checks: results})
	}
	return c.JSON(http.StatusOK, ReadyResponse{Status: "ready", Checks: results})
}

func (s *Server) handleWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, WorkflowListResponse{Workflows: s.flows.Workflows()})
}

func (s *Server) handleWorkflow(c echo.Context) error {
	wf, ok := s.flows.Workflow(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	return c.JSON(http.StatusOK, wf)
}

// handleCreateSpecification ingests a manifest body. The manifest is
// parsed and validated like a spooled one, except file includes are
// rejected outright.
func (s *Server) handleCreateSpecification(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxManifestBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "manifest body is required")
	}
	if len(body) > maxManifestBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "manifest too large")
	}

	m, err := intake.Parse(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	spec, err := s.specs.Create(ctx, m.Specification())
	if err != nil {
		if errors.Is(err, lifecycle.ErrExists) {
			return echo.NewHTTPError(http.StatusConflict, "specification already exists")
		}
		s.log.Error(ctx, "specification create failed",
			zap.String("spec.name", m.Name),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "specification create failed")
	}

	s.log.Info(ctx, "specification created over http",
		zap.String("spec.id", spec.ID),
		zap.String("spec.name", spec.Name),
		zap.Int("spec.tasks", len(m.Tasks)),
	)
	if s.accept != nil {
		s.accept(ctx, spec, m.PlannerTasks())
	}
	return c.JSON(http.StatusCreated, SpecificationResponse{Specification: spec, Tasks: len(m.Tasks)})
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.log.Info(context.Background(), "admin server starting", zap.String("http.addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "admin server shutting down")
	return s.echo.Shutdown(ctx)
}
