package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/maestro/pkg/database"
	"github.com/codeready-toolchain/maestro/pkg/queue"
	"github.com/codeready-toolchain/maestro/pkg/version"
)

// HealthResponse is the body for GET /health. Never checks external
// dependencies (LLM provider, tool gateway, tracker): the service is healthy
// when it can accept and persist work.
type HealthResponse struct {
	Status   string                `json:"status"`
	Version  string                `json:"version"`
	Database database.HealthStatus `json:"database"`
	Pool     *queue.PoolHealth     `json:"pool,omitempty"`
	Listener bool                  `json:"listener"`
}

// healthHandler reports healthy, degraded, or unhealthy. The database is
// load-bearing; the stream listener only degrades.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
	}

	dbHealth, err := database.Health(ctx, s.store.DB())
	resp.Database = dbHealth
	if err != nil {
		resp.Status = "unhealthy"
	}

	if s.pool != nil {
		resp.Pool = s.pool.Health(ctx)
		if !resp.Pool.IsHealthy && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	if s.listener != nil {
		resp.Listener = s.listener.Running()
		if !resp.Listener && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
