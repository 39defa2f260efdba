package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Check is an additional named dependency probe reported by the health endpoint,
// e.g. the event bus connection.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// RunChecks evaluates every check and returns the failures keyed by name.
func RunChecks(ctx context.Context, checks []Check) map[string]string {
	failures := map[string]string{}
	for _, ch := range checks {
		if ch.Probe == nil {
			continue
		}
		if err := ch.Probe(ctx); err != nil {
			failures[ch.Name] = err.Error()
		}
	}
	return failures
}

// HealthHandler reports database reachability, pool usage and the outcome of
// any extra checks. A failed database ping or check yields 503.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		failures := RunChecks(ctx, checks)

		if err != nil {
			stats.Healthy = false
			failures["database"] = err.Error()
		}

		if len(failures) > 0 {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":   "unhealthy",
				"failures": failures,
				"pool":     stats,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
