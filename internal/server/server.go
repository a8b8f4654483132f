// Package server exposes the worker pool of a long-running chunkflow process
// over HTTP: health, Prometheus metrics, and a small JSON control API used by
// 'chunkflow abort' and by scripts.
//
// IMPORTANT: This package sits above pool. It MUST NOT import cli.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/pool"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 5 * time.Second

// Pool is the worker pool surface the control API drives. *pool.Pool implements it.
type Pool interface {
	Submit(ctx context.Context, specID string, priority int) (*pool.SubmitResult, error)
	Stop(ctx context.Context, specID string) (bool, error)
	Active() []*domain.Worker
	Capacity() int
	SetCapacity(ctx context.Context, n int) error
}

// QueueLister lists queued specifications.
type QueueLister interface {
	ListQueue(ctx context.Context) ([]*domain.QueueItem, error)
}

// Server serves the control API.
type Server struct {
	echo   *echo.Echo
	pool   Pool
	queue  QueueLister
	addr   string
	logger zerolog.Logger
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// WorkersResponse is the body of GET /api/v1/workers.
type WorkersResponse struct {
	Capacity int              `json:"capacity"`
	Workers  []*domain.Worker `json:"workers"`
}

// RunRequest is the body of POST /api/v1/specs/:id/run.
type RunRequest struct {
	Priority int `json:"priority"`
}

// RunResponse reports whether a run request started a worker or was queued.
type RunResponse struct {
	Worker *domain.Worker    `json:"worker,omitempty"`
	Queued *domain.QueueItem `json:"queued,omitempty"`
}

// AbortResponse is the body of POST /api/v1/specs/:id/abort.
type AbortResponse struct {
	SpecID  string `json:"spec_id"`
	Stopped bool   `json:"stopped"`
}

// CapacityRequest is the body of PUT /api/v1/pool/capacity.
type CapacityRequest struct {
	MaxWorkers int `json:"max_workers"`
}

// New creates a Server listening on addr. A nil gatherer disables /metrics.
func New(p Pool, queue QueueLister, gatherer prometheus.Gatherer, addr string, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug().
				Str("method", c.Request().Method).
				Str("uri", c.Request().RequestURI).
				Int("status", c.Response().Status).
				Dur("duration", time.Since(start)).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Msg("http request")
			return err
		}
	})

	s := &Server{echo: e, pool: p, queue: queue, addr: addr, logger: logger}
	s.registerRoutes(gatherer)
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/workers", s.handleWorkers)
	v1.GET("/queue", s.handleQueue)
	v1.POST("/specs/:id/run", s.handleRun)
	v1.POST("/specs/:id/abort", s.handleAbort)
	v1.PUT("/pool/capacity", s.handleCapacity)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("control server listening")
		errCh <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("shutting down control server")
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleWorkers(c echo.Context) error {
	return c.JSON(http.StatusOK, WorkersResponse{Capacity: s.pool.Capacity(), Workers: s.pool.Active()})
}

func (s *Server) handleQueue(c echo.Context) error {
	items, err := s.queue.ListQueue(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*domain.QueueItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleRun(c echo.Context) error {
	var req RunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	res, err := s.pool.Submit(c.Request().Context(), c.Param("id"), req.Priority)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, RunResponse{Worker: res.Worker, Queued: res.Queued})
}

func (s *Server) handleAbort(c echo.Context) error {
	specID := c.Param("id")
	stopped, err := s.pool.Stop(c.Request().Context(), specID)
	if err != nil {
		return httpError(err)
	}
	if !stopped {
		return echo.NewHTTPError(http.StatusNotFound, "specification is neither running nor queued")
	}
	return c.JSON(http.StatusOK, AbortResponse{SpecID: specID, Stopped: true})
}

func (s *Server) handleCapacity(c echo.Context) error {
	var req CapacityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.pool.SetCapacity(c.Request().Context(), req.MaxWorkers); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, CapacityRequest{MaxWorkers: s.pool.Capacity()})
}

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, cferrors.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, cferrors.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, cferrors.ErrValueOutOfRange), errors.Is(err, cferrors.ErrEmptyValue):
		code = http.StatusBadRequest
	case errors.Is(err, cferrors.ErrPoolClosed):
		code = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(code, err.Error())
}
