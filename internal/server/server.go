// Package server is the HTTP façade: session lifecycle, sync control, and
// the transaction/stats query endpoints, plus health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"financehub/internal/domain"
	apperrors "financehub/internal/errors"
	"financehub/internal/platform/config"
)

// SessionService is the slice of the session supervisor the handlers need.
type SessionService interface {
	Connect(ctx context.Context, institutionID, credentialsRef string) (domain.SessionStatus, error)
	GetStatus(institutionID string) (domain.SessionStatus, bool)
	ListSessions() []domain.SessionStatus
	ListConnectedAccounts() []domain.ConnectedAccount
	ExtendNow(ctx context.Context, institutionID string) bool
	Disconnect(ctx context.Context, institutionID string) error
}

// SyncService drives and inspects sync operations.
type SyncService interface {
	StartSync(ctx context.Context, accountID string) (domain.SyncOperation, error)
	GetSync(ctx context.Context, id uuid.UUID) (*domain.SyncOperation, error)
	ListSyncs(ctx context.Context, accountID string, limit int) ([]domain.SyncOperation, error)
}

// StatsService answers aggregate queries from the in-memory engine.
type StatsService interface {
	Query(scope domain.Scope, from, to time.Time) domain.AggregateStats
}

// healthChecker is a minimal dependency probe for readiness checks.
type healthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	sessions  SessionService
	syncs     SyncService
	stats     StatsService
	txRepo    domain.TransactionRepository
	postgres  healthChecker
	redis     healthChecker
	startTime time.Time
}

func NewServer(cfg *config.Config, sessions SessionService, syncs SyncService, stats StatsService, txRepo domain.TransactionRepository, postgres, redis healthChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:      e,
		config:    cfg,
		sessions:  sessions,
		syncs:     syncs,
		stats:     stats,
		txRepo:    txRepo,
		postgres:  postgres,
		redis:     redis,
		startTime: time.Now(),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
