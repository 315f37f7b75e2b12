package database

import (
	"context"
	"time"
)

// HealthStatus reports connectivity and connection pool pressure. Served by
// the coordinator's health endpoint when Postgres is enabled.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTimeMs  int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health pings the database and snapshots pool statistics. The returned
// status is "ok" or "unreachable"; the error carries the ping failure.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:         "unreachable",
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}, err
	}

	stats := c.db.Stats()
	return &HealthStatus{
		Status:          "ok",
		ResponseTimeMs:  time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}
