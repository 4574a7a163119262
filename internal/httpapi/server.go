// Package httpapi exposes the engine control API over HTTP under /v1.
// Every run route is tenant-scoped by the X-Tenant-ID header.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/streaming"
	"github.com/rendis/runengine/pkg/schema"
)

// TenantHeader carries the caller's tenant.
const TenantHeader = "X-Tenant-ID"

const tenantKey = "tenant_id"

// Deps holds the dependencies of the HTTP API.
type Deps struct {
	Service engine.Service
	Graph   *engine.Graph
	Hub     streaming.Hub
	Logger  *slog.Logger
	// ServiceName labels the otel spans; defaults to "runengine".
	ServiceName string
}

// Server serves the control API.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// New builds the echo instance with all routes registered.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "runengine"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(deps.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logging.LogWith(c.Request().Context(), deps.Logger).LogAttrs(c.Request().Context(), level, "http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	s := &Server{deps: deps, echo: e}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)

	v1 := s.echo.Group("/v1")
	v1.GET("/graph", s.handleStaticGraph)

	runs := v1.Group("/runs", requireTenant)
	runs.POST("", s.handleCreate)
	runs.GET("", s.handleList)
	runs.GET("/:id", s.handleGet)
	runs.DELETE("/:id", s.handleDelete)

	runs.POST("/:id/approve", s.handleApprove)
	runs.POST("/:id/reject", s.handleReject)
	runs.POST("/:id/cancel", s.handleCancel)
	runs.POST("/:id/pause", s.handlePause)
	runs.POST("/:id/unpause", s.handleUnpause)
	runs.POST("/:id/retry", s.handleRetry)
	runs.POST("/:id/resume", s.handleResume)
	runs.POST("/:id/clone", s.handleClone)

	runs.GET("/:id/events", s.handleEvents)
	runs.GET("/:id/attempts", s.handleAttempts)
	runs.GET("/:id/artifacts", s.handleArtifacts)
	runs.GET("/:id/artifacts/:artifact", s.handleArtifactContent)
	runs.GET("/:id/reviews", s.handleReviews)
	runs.GET("/:id/audit", s.handleAudit)
	runs.GET("/:id/graph", s.handleRunGraph)
	runs.GET("/:id/stream", s.handleStream)

	a := runs.Group("/:id/assets")
	a.GET("", s.handleAssetState)
	a.POST("/settings", s.handleAssetSettings)
	a.GET("/positions", s.handleAssetPositions)
	a.POST("/positions", s.handleSubmitPositions)
	a.POST("/instructions", s.handleAssetInstructions)
	a.GET("/images", s.handleAssetImages)
	a.POST("/images/review", s.handleImageReview)
	a.GET("/preview", s.handleAssetPreview)
	a.POST("/finalize", s.handleFinalize)
}

// requireTenant rejects requests without a tenant and threads it into the
// request context for log correlation.
func requireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := c.Request().Header.Get(TenantHeader)
		if tenant == "" {
			return echo.NewHTTPError(http.StatusBadRequest, TenantHeader+" header is required")
		}
		c.Set(tenantKey, tenant)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithTenantID(req.Context(), tenant)))
		return next(c)
	}
}

func tenantOf(c echo.Context) string {
	t, _ := c.Get(tenantKey).(string)
	return t
}

// errorBody is the JSON error shape of every failed request.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Step    string         `json:"step,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps engine error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeExpression:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodePhase:
		return http.StatusConflict
	case schema.ErrCodeHandlerNotFound:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := errorBody{Code: "INTERNAL", Message: "internal error"}

		var engErr *schema.EngineError
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &engErr):
			status = statusFor(engErr.Code)
			body = errorBody{Code: engErr.Code, Message: engErr.Message, Step: engErr.Step, Details: engErr.Details}
		case errors.As(err, &httpErr):
			status = httpErr.Code
			body = errorBody{Code: http.StatusText(status), Message: http.StatusText(status)}
			if msg, ok := httpErr.Message.(string); ok {
				body.Message = msg
			}
		}
		if status >= http.StatusInternalServerError {
			logging.LogWith(c.Request().Context(), logger).ErrorContext(c.Request().Context(), "request failed", "error", err)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error("write error response", "error", werr)
		}
	}
}

// poolReporter is implemented by services that expose worker pool counters.
type poolReporter interface {
	PoolMetrics() engine.PoolMetrics
}

func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if p, ok := s.deps.Service.(poolReporter); ok {
		body["workers"] = p.PoolMetrics()
	}
	return c.JSON(http.StatusOK, body)
}
