package queue

import (
	"context"
	"log/slog"
	"time"
)

// Monitor periodically samples queue depths and ages, exports them as
// metrics, and logs warnings past the configured thresholds.
type Monitor struct {
	queues   []*Queue
	interval time.Duration

	// DepthThreshold and AgeThreshold trigger warning logs when exceeded.
	DepthThreshold int
	AgeThreshold   time.Duration
}

// NewMonitor creates a Monitor over the given queues with default thresholds
// (depth 50, age 1 hour) sampling every 30 seconds.
func NewMonitor(queues ...*Queue) *Monitor {
	return &Monitor{
		queues:         queues,
		interval:       30 * time.Second,
		DepthThreshold: 50,
		AgeThreshold:   time.Hour,
	}
}

// Run samples until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	for _, q := range m.queues {
		stats := q.Stats()
		depth := stats.Pending + stats.Held

		metricDepth.WithLabelValues(q.Name()).Set(float64(stats.Pending))
		metricOldestAge.WithLabelValues(q.Name()).Set(stats.OldestAge.Seconds())

		if depth > m.DepthThreshold {
			slog.Warn("queue depth above threshold",
				"queue", q.Name(),
				"depth", depth,
				"threshold", m.DepthThreshold,
			)
		}
		if stats.OldestAge > m.AgeThreshold {
			slog.Warn("queue item age above threshold",
				"queue", q.Name(),
				"oldest_age", stats.OldestAge.Round(time.Second),
				"threshold", m.AgeThreshold,
			)
		}
		if stats.Failed > 0 {
			slog.Warn("queue has permanently failed items",
				"queue", q.Name(),
				"failed", stats.Failed,
			)
		}
	}
}
