package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus describes database connectivity and pool usage.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ms"`
	OpenConns int           `json:"open_conns"`
	InUse     int           `json:"in_use"`
	Idle      int           `json:"idle"`
}

// Health pings the database and reports pool statistics.
func Health(ctx context.Context, db *sql.DB) (HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	stats := db.Stats()
	status := HealthStatus{
		Connected: err == nil,
		Latency:   time.Since(start),
		OpenConns: stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
	}
	return status, err
}
