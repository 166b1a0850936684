// Package api exposes the webhook ingress and the team control plane over
// HTTP.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"

	"github.com/notifyops/relay/pkg/config"
	"github.com/notifyops/relay/pkg/execlog"
	"github.com/notifyops/relay/pkg/models"
)

// Ingestor accepts raw webhook bodies into the pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, source models.Source, body []byte) error
}

// Drainer flushes in-flight work ahead of shutdown.
type Drainer interface {
	Drain(ctx context.Context) error
}

// VersionLister exposes stored team snapshot versions.
type VersionLister interface {
	Versions(ctx context.Context, teamID string) ([]*config.Snapshot, error)
}

// AuditLister exposes the team config change history.
type AuditLister interface {
	AuditTrail(ctx context.Context, teamID string, limit int) ([]*config.AuditRecord, error)
}

// DeadLetterLister exposes permanently failed deliveries.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, from, to time.Time) ([]*models.DeadLetter, error)
}

// StatsFunc supplies live pipeline counters for the stats endpoint.
type StatsFunc func() map[string]any

// Deps are the server's collaborators. Everything past Teams may be nil;
// the corresponding endpoints degrade.
type Deps struct {
	Ingest   Ingestor
	Teams    *config.Store
	Versions VersionLister
	Audit    AuditLister
	Execs    execlog.Store
	Letters  DeadLetterLister
	Drainer  Drainer
	Stats    StatsFunc
	DB       *sql.DB
	Redis    *redis.Client
}

// Server holds the HTTP surface.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the echo engine with all routes registered.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.POST("/webhooks/:source", s.webhookHandler)
	e.GET("/healthz", s.livenessHandler)
	e.GET("/readyz", s.readinessHandler)

	v1 := e.Group("/api/v1")
	v1.GET("/teams", s.listTeamsHandler)
	v1.GET("/teams/:id", s.getTeamHandler)
	v1.PUT("/teams/:id", s.updateTeamHandler)
	v1.POST("/teams/:id/validate", s.validateTeamHandler)
	v1.GET("/teams/:id/versions", s.teamVersionsHandler)
	v1.GET("/teams/:id/audit", s.auditTrailHandler)
	v1.POST("/teams/:id/rollback", s.rollbackTeamHandler)
	v1.GET("/executions", s.executionsHandler)
	v1.GET("/executions/hourly", s.hourlyStatsHandler)
	v1.GET("/executions/deadletters", s.deadLettersHandler)
	v1.GET("/system/stats", s.systemStatsHandler)
	v1.POST("/system/drain", s.drainHandler)

	return e
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
