package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/notifyops/relay/pkg/storage"
)

// livenessHandler answers as long as the process serves requests.
func (s *Server) livenessHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "alive"})
}

// readinessHandler reports per-dependency health. Any unhealthy dependency
// degrades the overall status to 503 so load balancers stop routing here.
func (s *Server) readinessHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	services := map[string]any{}
	healthy := true

	if s.deps.DB != nil {
		st, err := storage.Health(ctx, s.deps.DB)
		services["database"] = st
		if err != nil {
			healthy = false
		}
	}
	if s.deps.Redis != nil {
		st, err := storage.RedisHealth(ctx, s.deps.Redis)
		services["redis"] = st
		if err != nil {
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{
		"status":   status,
		"services": services,
	})
}

// systemStatsHandler exposes pipeline counters and configuration totals.
func (s *Server) systemStatsHandler(c *echo.Context) error {
	out := map[string]any{
		"config": s.cfg.Stats(),
		"teams":  len(s.deps.Teams.Teams()),
	}
	if s.deps.Stats != nil {
		out["pipeline"] = s.deps.Stats()
	}
	return c.JSON(http.StatusOK, out)
}

// drainHandler flushes pending batches and in-flight deliveries. Used by
// operators ahead of a deploy.
func (s *Server) drainHandler(c *echo.Context) error {
	if s.deps.Drainer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "drain is not wired")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.deps.Drainer.Drain(ctx); err != nil {
		return mapBrokerError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "drained"})
}

// executionsHandler queries the raw execution log. Filters: team, hook,
// from, to (RFC3339); the window defaults to the last 24 hours.
func (s *Server) executionsHandler(c *echo.Context) error {
	if s.deps.Execs == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "execution log requires database persistence")
	}
	from, to, err := timeWindow(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	team := c.QueryParam("team")
	hook := c.QueryParam("hook")
	if team != "" && hook != "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team and hook filters are mutually exclusive")
	}

	var recs any
	switch {
	case team != "":
		recs, err = s.deps.Execs.RecordsByTeam(ctx, team, from, to)
	case hook != "":
		recs, err = s.deps.Execs.RecordsByHook(ctx, hook, from, to)
	default:
		recs, err = s.deps.Execs.RecordsInWindow(ctx, from, to)
	}
	if err != nil {
		return mapBrokerError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"from":       from,
		"to":         to,
		"executions": recs,
	})
}

// deadLettersHandler returns deliveries that exhausted recovery within
// the window.
func (s *Server) deadLettersHandler(c *echo.Context) error {
	if s.deps.Letters == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "dead letters require database persistence")
	}
	from, to, err := timeWindow(c)
	if err != nil {
		return err
	}
	letters, err := s.deps.Letters.DeadLetters(c.Request().Context(), from, to)
	if err != nil {
		return mapBrokerError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"from":         from,
		"to":           to,
		"dead_letters": letters,
	})
}

// hourlyStatsHandler returns aggregation buckets for one hook.
func (s *Server) hourlyStatsHandler(c *echo.Context) error {
	if s.deps.Execs == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "execution log requires database persistence")
	}
	hook := c.QueryParam("hook")
	if hook == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "hook query parameter is required")
	}
	from, to, err := timeWindow(c)
	if err != nil {
		return err
	}
	stats, statsErr := s.deps.Execs.HourlyByHook(c.Request().Context(), hook, from, to)
	if statsErr != nil {
		return mapBrokerError(statsErr)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"hook_id": hook,
		"from":    from,
		"to":      to,
		"buckets": stats,
	})
}

// timeWindow parses the from/to query parameters, defaulting to the
// trailing 24 hours.
func timeWindow(c *echo.Context) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if raw := c.QueryParam("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "from must be RFC3339")
		}
		from = parsed
	}
	if raw := c.QueryParam("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "to must be RFC3339")
		}
		to = parsed
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "to must be after from")
	}
	return from, to, nil
}
