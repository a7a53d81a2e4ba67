package server

import (
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"financehub/internal/domain"
	apperrors "financehub/internal/errors"
)

const defaultSyncListLimit = 20

func (s *Server) handleStartSync(c echo.Context) error {
	accountID := c.Param("account")

	op, err := s.syncs.StartSync(c.Request().Context(), accountID)
	if err != nil {
		return apperrors.FromDomain(err).WithField("account", accountID)
	}

	// 202: the sync runs in the background, poll /api/syncs/:id for the result.
	return c.JSON(202, op)
}

func (s *Server) handleGetSync(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid sync id").WithField("id", c.Param("id"))
	}

	op, err := s.syncs.GetSync(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrSyncNotFound) {
			return apperrors.NotFoundError("sync operation not found").WithField("id", id.String())
		}
		return apperrors.InternalError("failed to load sync operation", err)
	}
	return c.JSON(200, op)
}

func (s *Server) handleListSyncs(c echo.Context) error {
	accountID := c.Param("account")

	limit := defaultSyncListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperrors.ValidationError("invalid limit").WithField("limit", raw)
		}
		limit = n
	}

	ops, err := s.syncs.ListSyncs(c.Request().Context(), accountID, limit)
	if err != nil {
		return apperrors.InternalError("failed to list sync operations", err).WithField("account", accountID)
	}
	return c.JSON(200, map[string]any{"syncs": ops})
}
