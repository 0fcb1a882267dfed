// Package http serves the agentmem adapter over a JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentmem/internal/logging"
	"github.com/fyrsmithlabs/agentmem/internal/vectorstore"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 10 << 20

// Server exposes one adapter over HTTP.
type Server struct {
	echo    *echo.Echo
	adapter vectorstore.Adapter
	logger  *logging.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// NResults is used when a query does not set n_results.
	NResults int
	// IngestRoots lists the directories POST /api/v1/ingest may traverse.
	// Requests for paths outside every root are refused; with no roots the
	// endpoint is disabled.
	IngestRoots []string
}

// NewServer creates a server for adapter.
func NewServer(adapter vectorstore.Adapter, logger *logging.Logger, cfg *Config) (*Server, error) {
	if adapter == nil {
		return nil, errors.New("adapter cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}
	if cfg.NResults <= 0 {
		cfg.NResults = 2
	}
	roots := make([]string, 0, len(cfg.IngestRoots))
	for _, r := range cfg.IngestRoots {
		if r == "" {
			continue
		}
		resolved, err := resolvePath(r)
		if err != nil {
			return nil, fmt.Errorf("ingest root %q: %w", r, err)
		}
		roots = append(roots, resolved)
	}
	cfg.IngestRoots = roots
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", maxBodyBytes)))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		adapter: adapter,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/documents", s.handleAdd)
	v1.DELETE("/documents/:id", s.handleDelete)
	v1.POST("/query", s.handleQuery)
	v1.POST("/ingest", s.handleIngest)
}

// AddRequest is the request body for POST /api/v1/documents.
type AddRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AddResponse is the response body for POST /api/v1/documents.
type AddResponse struct {
	ID string `json:"id"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Text     string         `json:"text"`
	NResults int            `json:"n_results,omitempty"`
	Filter   map[string]any `json:"filter,omitempty"`
}

// QueryResponse is the response body for POST /api/v1/query.
type QueryResponse struct {
	Results []vectorstore.QueryResult `json:"results"`
}

// IngestRequest is the request body for POST /api/v1/ingest.
type IngestRequest struct {
	Path string `json:"path"`
}

// IngestResponse summarizes a traversal.
type IngestResponse struct {
	Files    int             `json:"files"`
	Chunks   int             `json:"chunks"`
	IDs      []string        `json:"ids"`
	Warnings []IngestWarning `json:"warnings"`
}

// IngestWarning is a file that was skipped.
type IngestWarning struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Backend   string `json:"backend"`
	Documents int    `json:"documents"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Backend: s.adapter.Backend(), Documents: -1}
	n, err := s.adapter.Count(c.Request().Context())
	if err != nil {
		s.logger.Warn(c.Request().Context(), "health count failed", zap.Error(err))
		resp.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	resp.Documents = n
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAdd(c echo.Context) error {
	var req AddRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}
	id, err := s.adapter.Add(c.Request().Context(), req.Text, vectorstore.Metadata(normalizeNumbers(req.Metadata)))
	if err != nil {
		return s.adapterError(c, err)
	}
	return c.JSON(http.StatusCreated, AddResponse{ID: id})
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}
	if req.NResults == 0 {
		req.NResults = s.config.NResults
	}
	results, err := s.adapter.Query(c.Request().Context(), req.Text, req.NResults, vectorstore.Filter(normalizeNumbers(req.Filter)))
	if err != nil {
		return s.adapterError(c, err)
	}
	return c.JSON(http.StatusOK, QueryResponse{Results: results})
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path field is required")
	}
	path, ok := s.ingestAllowed(req.Path)
	if !ok {
		s.logger.Warn(c.Request().Context(), "ingest outside allowed roots refused", zap.String("path", req.Path))
		return echo.NewHTTPError(http.StatusForbidden, "path is outside the allowed ingest roots")
	}
	report, err := s.adapter.TraverseDirectory(c.Request().Context(), path)
	if err != nil {
		return s.adapterError(c, err)
	}
	resp := IngestResponse{
		Files:    report.Files,
		Chunks:   report.Chunks,
		IDs:      report.IDs,
		Warnings: make([]IngestWarning, 0, len(report.Warnings)),
	}
	if resp.IDs == nil {
		resp.IDs = []string{}
	}
	for _, w := range report.Warnings {
		resp.Warnings = append(resp.Warnings, IngestWarning{Path: w.Path, Error: w.Err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDelete(c echo.Context) error {
	if err := s.adapter.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.adapterError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ingestAllowed resolves path and reports whether it lies within one of the
// configured ingest roots. Symlinks are resolved first, so a link inside a
// root cannot point the traversal elsewhere.
func (s *Server) ingestAllowed(path string) (string, bool) {
	resolved, err := resolvePath(path)
	if err != nil {
		return "", false
	}
	for _, root := range s.config.IngestRoots {
		if rel, err := filepath.Rel(root, resolved); err == nil && (rel == "." || filepath.IsLocal(rel)) {
			return resolved, true
		}
	}
	return "", false
}

// resolvePath returns the absolute, symlink-free form of path. A path that
// does not exist yet keeps its last element and has its parent resolved.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r, nil
	}
	if parent, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(parent, filepath.Base(abs)), nil
	}
	return abs, nil
}

// adapterError maps an adapter failure to an HTTP error.
func (s *Server) adapterError(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "adapter call failed", zap.Error(err))
	} else {
		s.logger.Debug(c.Request().Context(), "adapter rejected request", zap.Error(err))
	}
	return echo.NewHTTPError(status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, vectorstore.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, vectorstore.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, vectorstore.ErrConfig):
		return http.StatusInternalServerError
	case errors.Is(err, vectorstore.ErrEmbedding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vectorstore.ErrPath), errors.Is(err, vectorstore.ErrQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// bindJSON decodes the body keeping numbers exact, so integer metadata stays
// integral.
func bindJSON(c echo.Context, v any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// normalizeNumbers turns json.Number values into int64 or float64. Anything
// else, including out of range numbers, is left for the adapter to reject.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			m[k] = i
		} else if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) {
			m[k] = f
		}
	}
	return m
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
