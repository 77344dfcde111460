package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batch runs.
var (
	// batchItemsTotal counts items by terminal status.
	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squeeze_batch_items_total",
		Help: "Total number of batch items by terminal status",
	}, []string{"status"})

	// batchDuration tracks wall time of complete runs.
	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "squeeze_batch_duration_seconds",
		Help:    "Duration of batch runs in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// batchInFlight is the number of items currently being compressed.
	batchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "squeeze_batch_in_flight",
		Help: "Number of items currently being compressed",
	})

	// quotaRetriesTotal counts items retried on a rotated credential.
	quotaRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "squeeze_batch_quota_retries_total",
		Help: "Total number of items retried after a credential rotation",
	})
)
