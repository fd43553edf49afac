package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailvoid_queue_depth",
		Help: "Number of items waiting in the queue.",
	}, []string{"queue"})

	metricOldestAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailvoid_queue_oldest_age_seconds",
		Help: "Age of the oldest pending or held item.",
	}, []string{"queue"})

	metricProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailvoid_queue_processed_total",
		Help: "Items successfully processed, by queue.",
	}, []string{"queue"})

	metricFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailvoid_queue_permanently_failed_total",
		Help: "Items moved to the permanently-failed set, by queue.",
	}, []string{"queue"})
)
