package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailhive/mailhive-go/internal/rabbitmq"
)

// ConnectionChecker probes the shared broker connection.
type ConnectionChecker struct {
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
}

// NewConnectionChecker creates a broker connection health checker.
func NewConnectionChecker(manager *rabbitmq.ConnectionManager, logger *slog.Logger) *ConnectionChecker {
	return &ConnectionChecker{
		manager: manager,
		logger:  logger,
	}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq_connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get connection"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if conn.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["connection_open"] = true
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// ChannelPoolChecker probes the channel pool with a borrow-check-return
// cycle that leaves pool accounting untouched.
type ChannelPoolChecker struct {
	pool   *rabbitmq.ChannelPool
	logger *slog.Logger
}

// NewChannelPoolChecker creates a channel pool health checker.
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool, logger *slog.Logger) *ChannelPoolChecker {
	return &ChannelPoolChecker{
		pool:   pool,
		logger: logger,
	}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	result.Details["pool_size"] = c.pool.Size()

	if !c.pool.TryChannel(ctx) {
		result.Status = StatusUnhealthy
		result.Message = "Channel pool cannot provide an open channel"
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}
