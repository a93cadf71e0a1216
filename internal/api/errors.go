package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// mapError converts an engine error into an echo.HTTPError.
func mapError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, accuracy.ErrInvalidQuery),
		errors.Is(err, accuracy.ErrInvalidFeedback),
		errors.Is(err, accuracy.ErrInvalidConfig):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, accuracy.ErrUpstreamUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "upstream unavailable")

	case errors.Is(err, accuracy.ErrConfigConflict),
		errors.Is(err, accuracy.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	case errors.Is(err, accuracy.ErrConfigNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
