package server

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"financehub/internal/domain"
	apperrors "financehub/internal/errors"
)

func (s *Server) handleListTransactions(c echo.Context) error {
	filter := domain.TransactionFilter{
		AccountID:     c.QueryParam("account"),
		InstitutionID: c.QueryParam("institution"),
	}

	if raw := c.QueryParam("from"); raw != "" {
		t, err := parseDay(raw)
		if err != nil {
			return apperrors.ValidationError("invalid from date, want YYYY-MM-DD").WithField("from", raw)
		}
		filter.From = t
	}
	if raw := c.QueryParam("to"); raw != "" {
		t, err := parseDay(raw)
		if err != nil {
			return apperrors.ValidationError("invalid to date, want YYYY-MM-DD").WithField("to", raw)
		}
		filter.To = t
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperrors.ValidationError("invalid limit").WithField("limit", raw)
		}
		filter.Limit = n
	}

	txs, err := s.txRepo.List(c.Request().Context(), filter)
	if err != nil {
		return apperrors.InternalError("failed to list transactions", err)
	}
	return c.JSON(200, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// handleStats answers aggregate queries. Ranged queries resolve at month
// granularity: from/to are widened to the whole months containing them, and
// the response says so.
func (s *Server) handleStats(c echo.Context) error {
	scope, err := parseScope(c.QueryParam("scope"), c.QueryParam("id"))
	if err != nil {
		return err
	}

	var from, to time.Time
	if raw := c.QueryParam("from"); raw != "" {
		from, err = parseDay(raw)
		if err != nil {
			return apperrors.ValidationError("invalid from date, want YYYY-MM-DD").WithField("from", raw)
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		to, err = parseDay(raw)
		if err != nil {
			return apperrors.ValidationError("invalid to date, want YYYY-MM-DD").WithField("to", raw)
		}
	}

	stats := s.stats.Query(scope, from, to)
	resp := map[string]any{
		"scope": map[string]string{"kind": string(scope.Kind), "id": scope.ID},
		"stats": stats,
	}
	if !from.IsZero() || !to.IsZero() {
		resp["granularity"] = "month"
		if !from.IsZero() {
			resp["resolved_from"] = monthFloor(from).Format("2006-01-02")
		}
		if !to.IsZero() {
			resp["resolved_to"] = monthCeil(to).Format("2006-01-02")
		}
	}
	return c.JSON(200, resp)
}

// monthFloor and monthCeil report the whole-month window a ranged stats
// query actually covers.
func monthFloor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthCeil(t time.Time) time.Time {
	return monthFloor(t).AddDate(0, 1, -1)
}

// parseScope maps the scope/id query pair to a stats scope. An omitted scope
// means global.
func parseScope(kind, id string) (domain.Scope, error) {
	switch kind {
	case "", "global":
		return domain.GlobalScope, nil
	case "account":
		if id == "" {
			return domain.Scope{}, apperrors.ValidationError("id is required for account scope")
		}
		return domain.Scope{Kind: domain.ScopeAccount, ID: id}, nil
	case "institution":
		if id == "" {
			return domain.Scope{}, apperrors.ValidationError("id is required for institution scope")
		}
		return domain.Scope{Kind: domain.ScopeInstitution, ID: id}, nil
	default:
		return domain.Scope{}, apperrors.ValidationError("invalid scope, want account, institution, or global").WithField("scope", kind)
	}
}

func parseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
