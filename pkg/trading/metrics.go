package trading

import (
	"context"
	"time"

	"github.com/quantavia/tradecore/pkg/events"
)

// Metrics is a point-in-time summary of trading activity.
type Metrics struct {
	TotalTrades     int     `json:"totalTrades"`
	FailedTrades    int     `json:"failedTrades"`
	TotalPnL        float64 `json:"totalPnl"`
	DailyPnL        float64 `json:"dailyPnl"`
	ActivePositions int     `json:"activePositions"`
	TotalOrders     int     `json:"totalOrders"`
	Balance         float64 `json:"balance"`
	SuccessRate     float64 `json:"successRate"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics returns current trading statistics.
func (c *Core) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked()
}

func (c *Core) metricsLocked() Metrics {
	m := Metrics{
		TotalTrades:     c.totalTrades,
		FailedTrades:    c.failedTrades,
		TotalPnL:        c.totalPnL,
		DailyPnL:        c.dailyPnL,
		ActivePositions: len(c.positions),
		TotalOrders:     len(c.orders),
		Balance:         c.balance,
		Timestamp:       time.Now().UTC(),
	}
	if attempts := c.totalTrades + c.failedTrades; attempts > 0 {
		m.SuccessRate = float64(c.totalTrades) / float64(attempts)
	}
	return m
}

// Snapshot captures current metrics and publishes a snapshot.created
// event for downstream reporting.
func (c *Core) Snapshot(ctx context.Context) Metrics {
	c.mu.Lock()
	m := c.metricsLocked()
	c.mu.Unlock()

	c.publish(ctx, events.KindSnapshotCreated, m)
	return m
}

// ResetDaily zeroes the daily PnL counter and the risk engine's daily
// loss accumulator. Caller-driven, e.g. from a daily cron.
func (c *Core) ResetDaily() {
	c.mu.Lock()
	c.dailyPnL = 0
	c.mu.Unlock()
	c.engine.ResetDailyMetrics()
}
