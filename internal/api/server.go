package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/types"
)

// Server hosts the HTTP API.
type Server struct {
	cfg     config.ServerConfig
	echo    *echo.Echo
	service *Service
	log     *zap.Logger
}

// NewServer builds the echo server with standard middleware and routes.
func NewServer(cfg config.ServerConfig, service *Service, m *metrics.Metrics, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	s := &Server{cfg: cfg, echo: e, service: service, log: log}

	api := e.Group("/api/v1")
	api.POST("/chapters", s.handleSubmit)
	api.GET("/chapters/:id/status", s.handleStatus)
	api.DELETE("/chapters/:id", s.handleCancel)

	compileLimiter := newClientLimiter(cfg.CompileLimit, cfg.CompileWindow)
	compileGroup := api.Group("/assets", compileLimiter.middleware)
	compileGroup.POST("/compile", s.handleCompile)
	compileGroup.POST("/compile/batch", s.handleCompileBatch)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks serving HTTP until the listener fails.
func (s *Server) Start() error {
	s.echo.Server.ReadTimeout = s.cfg.ReadTimeout
	s.echo.Server.WriteTimeout = s.cfg.WriteTimeout
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Info("api listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains the server and waits for in-flight pipelines.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.service.Shutdown()
	return err
}

// errorBody is the uniform failure payload.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req types.GenerationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed request body", Details: err.Error()})
	}

	outcome, err := s.service.Submit(req)
	if err != nil {
		if isLockErr(err) {
			return c.JSON(http.StatusConflict, errorBody{Error: "a generation for this chapter is already running", Details: err.Error()})
		}
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request", Details: err.Error()})
	}

	if outcome.Duplicate && outcome.CachedResult != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"success":  true,
			"promptId": outcome.PromptID,
			"cached":   true,
			"result":   outcome.CachedResult,
		})
	}
	if outcome.Duplicate && outcome.CachedError != "" {
		return c.JSON(http.StatusOK, map[string]any{
			"success":  false,
			"promptId": outcome.PromptID,
			"cached":   true,
			"error":    outcome.CachedError,
		})
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"success":   true,
		"promptId":  outcome.PromptID,
		"statusUrl": "/api/v1/chapters/" + outcome.PromptID + "/status",
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	view, ok := s.service.Status(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody{Error: "unknown prompt id"})
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleCancel(c echo.Context) error {
	if !s.service.Cancel(c.Param("id")) {
		return c.JSON(http.StatusNotFound, errorBody{Error: "unknown prompt id"})
	}
	return c.JSON(http.StatusAccepted, map[string]any{"success": true})
}

var identifierRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// compileRequest is the single-asset compile payload.
type compileRequest struct {
	Type       types.AssetKind `json:"type"`
	Identifier string          `json:"identifier"`
	Format     string          `json:"format"`
	Plot       *types.PlotSpec    `json:"plot,omitempty"`
	Diagram    *types.DiagramSpec `json:"diagram,omitempty"`
	Chem       *types.ChemSpec    `json:"chem,omitempty"`
}

func (r *compileRequest) toSpec() (types.AssetSpec, error) {
	switch r.Type {
	case types.AssetPlot:
		if r.Plot == nil {
			return types.AssetSpec{}, fmt.Errorf("plot spec required")
		}
		return types.AssetSpec{Kind: types.AssetPlot, Plot: r.Plot}, nil
	case types.AssetDiagram:
		if r.Diagram == nil {
			return types.AssetSpec{}, fmt.Errorf("diagram spec required")
		}
		return types.AssetSpec{Kind: types.AssetDiagram, Diagram: r.Diagram}, nil
	case types.AssetChem:
		if r.Chem == nil {
			return types.AssetSpec{}, fmt.Errorf("chem spec required")
		}
		return types.AssetSpec{Kind: types.AssetChem, Chem: r.Chem}, nil
	}
	return types.AssetSpec{}, fmt.Errorf("unsupported asset type %q", r.Type)
}

func (s *Server) handleCompile(c echo.Context) error {
	var req compileRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed request body", Details: err.Error()})
	}
	if !identifierRe.MatchString(req.Identifier) {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "identifier must match ^[a-zA-Z0-9_-]{1,100}$"})
	}
	if req.Format != "" && req.Format != "svg" && req.Format != "png" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "format must be svg or png"})
	}
	spec, err := req.toSpec()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}

	result := s.service.Compile(c.Request().Context(), req.Type, spec, req.Identifier)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, result)
}

type batchCompileRequest struct {
	Items []compileRequest `json:"items"`
}

func (s *Server) handleCompileBatch(c echo.Context) error {
	var req batchCompileRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed request body", Details: err.Error()})
	}
	if len(req.Items) == 0 || len(req.Items) > 20 {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "batch must contain 1-20 items"})
	}

	results := make([]any, len(req.Items))
	for i, item := range req.Items {
		if !identifierRe.MatchString(item.Identifier) {
			results[i] = errorBody{Error: "invalid identifier"}
			continue
		}
		spec, err := item.toSpec()
		if err != nil {
			results[i] = errorBody{Error: err.Error()}
			continue
		}
		results[i] = s.service.Compile(c.Request().Context(), item.Type, spec, item.Identifier)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func isLockErr(err error) bool {
	return errors.Is(err, types.ErrLockHeld)
}

// clientLimiter bounds the compile endpoints per client IP, eve-style.
type clientLimiter struct {
	limit  rate.Limit
	burst  int
	mu     sync.Mutex
	byIP   map[string]*rate.Limiter
}

func newClientLimiter(requests int, window time.Duration) *clientLimiter {
	return &clientLimiter{
		limit: rate.Limit(float64(requests) / window.Seconds()),
		burst: requests,
		byIP:  make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiter) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		l.mu.Lock()
		limiter, ok := l.byIP[ip]
		if !ok {
			limiter = rate.NewLimiter(l.limit, l.burst)
			l.byIP[ip] = limiter
		}
		l.mu.Unlock()
		if !limiter.Allow() {
			return c.JSON(http.StatusTooManyRequests, errorBody{Error: "rate limited"})
		}
		return next(c)
	}
}
