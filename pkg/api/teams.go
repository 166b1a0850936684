package api

import (
	"net/http"
	"sort"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/notifyops/relay/pkg/config"
)

// listTeamsHandler returns the active team ids.
func (s *Server) listTeamsHandler(c *echo.Context) error {
	teams := s.deps.Teams.Teams()
	sort.Strings(teams)
	return c.JSON(http.StatusOK, map[string]any{"teams": teams})
}

// getTeamHandler returns the active snapshot for one team.
func (s *Server) getTeamHandler(c *echo.Context) error {
	snap, err := s.deps.Teams.Load(c.Param("id"))
	if err != nil {
		return mapBrokerError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// updateTeamHandler validates and commits a new configuration version.
// Validation failures return the full report and commit nothing.
func (s *Server) updateTeamHandler(c *echo.Context) error {
	var cfg config.TeamConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid team configuration body")
	}

	snap, report, err := s.deps.Teams.Update(c.Request().Context(), c.Param("id"), &cfg, extractActor(c))
	if err != nil {
		return mapBrokerError(err)
	}
	if report.HasErrors() {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"valid":  false,
			"report": reportPayload(report),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"team_id": snap.TeamID,
		"version": snap.Version,
		"report":  reportPayload(report),
	})
}

// validateTeamHandler dry-runs validation without committing.
func (s *Server) validateTeamHandler(c *echo.Context) error {
	var cfg config.TeamConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid team configuration body")
	}
	if cfg.ID == "" {
		cfg.ID = c.Param("id")
	}
	report := config.ValidateTeam(&cfg)
	return c.JSON(http.StatusOK, map[string]any{
		"valid":  !report.HasErrors(),
		"report": reportPayload(report),
	})
}

// teamVersionsHandler lists stored snapshot versions, newest first.
func (s *Server) teamVersionsHandler(c *echo.Context) error {
	if s.deps.Versions == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "version history requires database persistence")
	}
	snaps, err := s.deps.Versions.Versions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapBrokerError(err)
	}
	type version struct {
		Version   int64  `json:"version"`
		CreatedAt string `json:"created_at"`
		CreatedBy string `json:"created_by,omitempty"`
		Active    bool   `json:"active"`
	}
	out := make([]version, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, version{
			Version:   snap.Version,
			CreatedAt: snap.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			CreatedBy: snap.CreatedBy,
			Active:    snap.Active,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"team_id": c.Param("id"), "versions": out})
}

// auditTrailHandler returns a team's change history, newest first. The
// limit query parameter caps the page size at 200.
func (s *Server) auditTrailHandler(c *echo.Context) error {
	if s.deps.Audit == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "audit trail requires database persistence")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 200")
		}
		limit = parsed
	}
	recs, err := s.deps.Audit.AuditTrail(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return mapBrokerError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"team_id": c.Param("id"),
		"changes": recs,
	})
}

type rollbackRequest struct {
	Version int64 `json:"version"`
}

// rollbackTeamHandler reactivates a prior version as a new commit.
func (s *Server) rollbackTeamHandler(c *echo.Context) error {
	var req rollbackRequest
	if err := c.Bind(&req); err != nil || req.Version <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "version is required and must be positive")
	}

	snap, err := s.deps.Teams.Rollback(c.Request().Context(), c.Param("id"), req.Version, extractActor(c))
	if err != nil {
		return mapBrokerError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"team_id":     snap.TeamID,
		"version":     snap.Version,
		"rolled_back": req.Version,
	})
}

// reportPayload flattens a validation report for JSON; errors carry their
// formatted messages rather than Go error values.
func reportPayload(r *config.Report) map[string]any {
	msgs := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		msgs = append(msgs, err.Error())
	}
	return map[string]any{
		"errors":      msgs,
		"warnings":    r.Warnings,
		"suggestions": r.Suggestions,
	}
}
