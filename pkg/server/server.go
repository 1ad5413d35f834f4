// Package server exposes ingest, tracking, ETA and history over HTTP and
// mounts the realtime socket endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bustracker/pkg/auth"
	"bustracker/pkg/history"
	"bustracker/pkg/marker"
	"bustracker/pkg/pipeline"
	"bustracker/pkg/registry"
	"bustracker/pkg/tracking"
	"bustracker/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
)

const identityKey = "identity"

// Ingester is the ingest pipeline as seen by the HTTP boundary.
type Ingester interface {
	IngestDevice(ctx context.Context, apiKey string, fix types.Fix) (pipeline.IngestResult, error)
	IngestDriver(ctx context.Context, identity auth.Identity, fix types.Fix) (pipeline.IngestResult, error)
}

// Locator serves current locations.
type Locator interface {
	GetCurrentLocation(ctx context.Context, busID string, scope tracking.Scope) (*types.TaggedLocation, error)
	GetAllLocations(ctx context.Context, scope tracking.Scope) ([]types.TaggedLocation, error)
}

// Predictor serves arrival estimates.
type Predictor interface {
	PredictETA(ctx context.Context, busID string, destination orb.Point) (types.ETAResult, error)
	PredictRouteETAs(ctx context.Context, busID string, stops []types.Stop) ([]types.ETAResult, error)
}

type Config struct {
	Port           int
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Dependencies are the components the handlers call. Socket and Health are
// optional.
type Dependencies struct {
	Ingester  Ingester
	Locator   Locator
	Predictor Predictor
	History   history.Store
	Registry  registry.Registry
	Verifier  auth.Verifier
	Markers   *marker.Generator
	Socket    http.Handler
	Health    func(ctx context.Context) error
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg    Config
	deps   Dependencies
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg Config, deps Dependencies) (*Server, error) {
	switch {
	case deps.Ingester == nil:
		return nil, fmt.Errorf("ingester is required")
	case deps.Locator == nil:
		return nil, fmt.Errorf("locator is required")
	case deps.Predictor == nil:
		return nil, fmt.Errorf("predictor is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("registry is required")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("verifier is required")
	}
	if deps.History == nil {
		deps.History = history.Discard{}
	}
	if deps.Markers == nil {
		deps.Markers = marker.NewGenerator()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	engine.Use(corsMiddleware(cfg.CORSOrigins))

	server := &Server{cfg: cfg, deps: deps, engine: engine}
	server.registerRoutes()
	return server, nil
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.deps.Socket != nil {
		s.engine.GET("/ws", gin.WrapH(s.deps.Socket))
	}

	v1 := s.engine.Group("/api/v1")

	gps := v1.Group("/gps")
	gps.POST("/device", s.handleDeviceFix)
	gps.POST("/driver", s.authenticate(), s.handleDriverFix)

	admin := v1.Group("", s.authenticate(), requireRole(auth.RoleAdmin))
	admin.GET("/locations", s.handleListLocations)
	admin.GET("/locations.geojson", s.handleLocationsGeoJSON)

	bus := v1.Group("/buses/:busId")
	bus.GET("/location", s.handleGetLocation)
	bus.GET("/marker.svg", s.handleMarker)
	bus.GET("/badge.svg", s.handleBadge)
	bus.POST("/eta", s.handleETA)
	bus.POST("/eta/route", s.handleRouteETA)
	bus.GET("/history", s.authenticate(), requireRole(auth.RoleAdmin, auth.RoleDriver), s.handleHistory)
	bus.GET("/history/summary", s.authenticate(), requireRole(auth.RoleAdmin, auth.RoleDriver), s.handleHistorySummary)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authenticate verifies the bearer token and stores the identity on the
// request context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abortWithError(c, fmt.Errorf("%w: missing bearer token", auth.ErrUnauthorized))
			return
		}
		identity, err := s.deps.Verifier.Verify(c.Request.Context(), strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func requireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := identityFrom(c).Require(roles...); err != nil {
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) auth.Identity {
	if v, ok := c.Get(identityKey); ok {
		if identity, ok := v.(auth.Identity); ok {
			return identity
		}
	}
	return auth.Identity{}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := "*"
		if len(allowed) > 0 {
			origin = ""
			if _, ok := allowed[c.GetHeader("Origin")]; ok {
				origin = c.GetHeader("Origin")
				c.Header("Vary", "Origin")
			}
		}
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
