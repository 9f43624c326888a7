package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the conversation store's slice of the health report:
// whether a ping round-trips, how long it took, and where the pool
// stands.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health pings the store and snapshots pool statistics. A failed ping
// still returns a status (with the measured response time) alongside
// the error so callers can report partial information.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	pool := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: pool.OpenConnections,
		InUse:           pool.InUse,
		Idle:            pool.Idle,
		WaitCount:       pool.WaitCount,
		WaitDuration:    pool.WaitDuration.Milliseconds(),
		MaxOpenConns:    pool.MaxOpenConnections,
	}, nil
}
