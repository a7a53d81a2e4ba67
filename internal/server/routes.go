package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Session lifecycle
	s.echo.GET("/api/sessions", s.handleListSessions)
	s.echo.GET("/api/sessions/:institution", s.handleGetSession)
	s.echo.POST("/api/sessions/:institution/connect", s.handleConnect)
	s.echo.POST("/api/sessions/:institution/extend", s.handleExtend)
	s.echo.DELETE("/api/sessions/:institution", s.handleDisconnect)

	// Connected accounts and syncs
	s.echo.GET("/api/accounts", s.handleListAccounts)
	s.echo.POST("/api/accounts/:account/sync", s.handleStartSync)
	s.echo.GET("/api/accounts/:account/syncs", s.handleListSyncs)
	s.echo.GET("/api/syncs/:id", s.handleGetSync)

	// Query façade
	s.echo.GET("/api/transactions", s.handleListTransactions)
	s.echo.GET("/api/stats", s.handleStats)
}
