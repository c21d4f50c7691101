package api

import (
	"crypto/subtle"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response
// headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requestLogging logs one line per request with method, path, status, and
// latency. A sampled fraction of requests additionally logs request detail at
// debug level.
func requestLogging(sampling float64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			traced := sampling > 0 && rand.Float64() < sampling
			if traced {
				slog.Debug("Request trace",
					"method", c.Request().Method,
					"path", c.Request().URL.Path,
					"remote", c.RealIP(),
					"content_length", c.Request().ContentLength,
					"user_agent", c.Request().UserAgent())
			}
			err := next(c)
			status := 0
			if res, resErr := echo.UnwrapResponse(c.Response()); resErr == nil {
				status = res.Status
			}
			if httpErr, ok := err.(*echo.HTTPError); ok {
				status = httpErr.Code
			}
			slog.Info("Request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"traced", traced,
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}

// authExempt paths skip API key checks so probes and scrapers work without
// credentials.
var authExempt = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// apiKeyAuth compares the configured key in constant time against the bearer
// token or X-API-Key header. An empty configured key disables auth.
func apiKeyAuth(key string) echo.MiddlewareFunc {
	if key == "" {
		slog.Warn("API authentication disabled: no ORCHESTRATOR_API_KEY configured")
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if key == "" || authExempt[c.Request().URL.Path] {
				return next(c)
			}

			presented := presentedKey(c.Request())
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				slog.Warn("Unauthenticated request",
					"path", c.Request().URL.Path,
					"remote", c.RealIP())
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
