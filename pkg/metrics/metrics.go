// Package metrics exposes the Prometheus registry used by squeeze.
// All metrics are defined in their respective packages (client, batch,
// credentials, cache, quota) to maintain modularity and avoid circular
// dependencies; this package documents them and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by squeeze.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Backend Metrics (pkg/client):
//   - squeeze_backend_requests_total{stage, status} (Counter): Backend calls by stage (shrink, output, validate) and HTTP status
//   - squeeze_backend_request_duration_seconds{stage} (Histogram): Backend call duration
//   - squeeze_backend_errors_total{class} (Counter): Classified failures
//
// Retry Metrics (pkg/client):
//   - squeeze_retries_total{error_class} (Counter): Transient retry attempts
//   - squeeze_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - squeeze_retry_exhausted_total{error_class} (Counter): Calls that exhausted their attempts
//
// Credential Metrics (pkg/credentials):
//   - squeeze_credential_rotations_total (Counter): Pool rotations
//   - squeeze_credential_pool_size (Gauge): Keys held by the pool
//
// Batch Metrics (pkg/batch):
//   - squeeze_batch_items_total{status} (Counter): Items by terminal status
//   - squeeze_batch_duration_seconds (Histogram): Run duration
//   - squeeze_batch_in_flight (Gauge): Items being compressed right now
//   - squeeze_batch_quota_retries_total (Counter): Items retried on a rotated key
//
// Cache Metrics (pkg/cache):
//   - squeeze_cache_hits_total{layer="redis"} (Counter)
//   - squeeze_cache_misses_total (Counter)
//   - squeeze_cache_size_bytes{layer="redis"} (Gauge)
//   - squeeze_cache_errors_total{operation} (Counter)
//
// Quota Metrics (pkg/quota):
//   - squeeze_compression_count{key} (Gauge): Compressions used this month per key fingerprint
//   - squeeze_quota_warnings_total{level} (Counter): Reports at warning or exhausted level
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(squeeze_cache_hits_total[5m])) /
//   (sum(rate(squeeze_cache_hits_total[5m])) + sum(rate(squeeze_cache_misses_total[5m])))
//
//   # Keys close to the free limit
//   squeeze_compression_count > 450
//
//   # Failure ratio
//   rate(squeeze_batch_items_total{status="failed"}[1h]) / rate(squeeze_batch_items_total[1h])
//
//   # P95 backend latency
//   histogram_quantile(0.95, rate(squeeze_backend_request_duration_seconds_bucket[5m]))
