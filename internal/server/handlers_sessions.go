package server

import (
	"errors"

	"github.com/labstack/echo/v4"

	"financehub/internal/domain"
	apperrors "financehub/internal/errors"
)

type connectRequest struct {
	CredentialsRef string `json:"credentials_ref"`
}

func (s *Server) handleConnect(c echo.Context) error {
	institutionID := c.Param("institution")

	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.CredentialsRef == "" {
		return apperrors.ValidationError("credentials_ref is required")
	}

	status, err := s.sessions.Connect(c.Request().Context(), institutionID, req.CredentialsRef)
	if err != nil {
		return apperrors.FromDomain(err).WithField("institution", institutionID)
	}

	return c.JSON(200, sessionResponse(status))
}

func (s *Server) handleGetSession(c echo.Context) error {
	institutionID := c.Param("institution")

	status, ok := s.sessions.GetStatus(institutionID)
	if !ok {
		return apperrors.NotFoundError("session not found").WithField("institution", institutionID)
	}
	return c.JSON(200, sessionResponse(status))
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions := s.sessions.ListSessions()
	out := make([]map[string]any, 0, len(sessions))
	for _, status := range sessions {
		out = append(out, sessionResponse(status))
	}
	return c.JSON(200, map[string]any{"sessions": out})
}

func (s *Server) handleExtend(c echo.Context) error {
	institutionID := c.Param("institution")

	if _, ok := s.sessions.GetStatus(institutionID); !ok {
		return apperrors.NotFoundError("session not found").WithField("institution", institutionID)
	}
	if !s.sessions.ExtendNow(c.Request().Context(), institutionID) {
		return apperrors.ConflictError("session cannot be extended").WithField("institution", institutionID)
	}

	status, _ := s.sessions.GetStatus(institutionID)
	return c.JSON(200, sessionResponse(status))
}

func (s *Server) handleDisconnect(c echo.Context) error {
	institutionID := c.Param("institution")

	if err := s.sessions.Disconnect(c.Request().Context(), institutionID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return apperrors.NotFoundError("session not found").WithField("institution", institutionID)
		}
		return apperrors.InternalError("failed to disconnect session", err).WithField("institution", institutionID)
	}
	return c.JSON(200, map[string]string{"status": "disconnected"})
}

func (s *Server) handleListAccounts(c echo.Context) error {
	return c.JSON(200, map[string]any{"accounts": s.sessions.ListConnectedAccounts()})
}

// sessionResponse shapes a status snapshot for the wire. Durations go out in
// seconds; the session token never leaves the process.
func sessionResponse(status domain.SessionStatus) map[string]any {
	return map[string]any{
		"institution_id":         status.InstitutionID,
		"kind":                   status.Kind.String(),
		"state":                  string(status.State),
		"healthy":                status.Healthy,
		"created_at":             status.CreatedAt,
		"last_activity_at":       status.LastActivityAt,
		"last_extended_at":       status.LastExtendedAt,
		"extend_count":           status.ExtendCount,
		"seconds_to_next_extend": int64(status.TimeToNextExtend.Seconds()),
		"accounts":               status.CachedAccounts,
	}
}
