package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/notifyops/relay/pkg/config"
	"github.com/notifyops/relay/pkg/event"
	"github.com/notifyops/relay/pkg/pipeline"
)

// mapBrokerError maps broker-layer errors to HTTP error responses.
func mapBrokerError(err error) *echo.HTTPError {
	var validErr *config.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, config.ErrValidationFailed) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, config.ErrTeamNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "team not found")
	}
	if errors.Is(err, config.ErrVersionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "config version not found")
	}
	if errors.Is(err, event.ErrInvalidPayload) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, pipeline.ErrBacklog) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "ingest queue full, retry later")
	}

	// Unexpected error
	slog.Error("Unexpected broker error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
