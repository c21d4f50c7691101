package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/maestro/pkg/fault"
)

// mapError maps fault kinds to HTTP error responses in one place.
func mapError(err error) *echo.HTTPError {
	kind := fault.KindOf(err)
	switch kind {
	case fault.InvalidArgument:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case fault.Unauthenticated:
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	case fault.NotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case fault.FailedPrecondition, fault.Conflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case fault.Unavailable:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "a dependency is unavailable")
	case fault.DeadlineExceeded:
		return echo.NewHTTPError(http.StatusGatewayTimeout, "operation timed out")
	case fault.Cancelled:
		// Client went away; 499 in nginx terms, no standard constant.
		return echo.NewHTTPError(499, "request cancelled")
	}

	slog.Error("Unexpected error", "kind", kind, "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
