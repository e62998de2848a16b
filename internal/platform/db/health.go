package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot reported by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
	}
}

// LivenessHandler answers /health without touching any dependency.
func LivenessHandler(store string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ok",
			"store":  store,
		})
	}
}

// HealthHandler reports the server ready when the database answers and the
// default facility's schema exists. Either failure is a 503.
func HealthHandler(pool *pgxpool.Pool, defaultFacility string) echo.HandlerFunc {
	schema := FacilitySchema(defaultFacility)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stats := poolStats(pool)
		body := map[string]interface{}{"pool": &stats, "facility_schema": schema}

		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`, schema,
		).Scan(&exists)
		switch {
		case err != nil:
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		case !exists:
			body["status"] = "unhealthy"
			body["error"] = "facility schema missing, run: hms-server facility create --name " + defaultFacility
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		stats.Healthy = true
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
