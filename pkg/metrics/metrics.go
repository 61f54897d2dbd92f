// Package metrics documents the Prometheus metrics exported by the
// orderbook client. All metrics are defined via promauto in their
// respective packages (client, cache, ratelimit, snapshot) to maintain
// modularity and avoid circular dependencies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - orderbook_requests_total{endpoint, status} (Counter): requests by endpoint and status
//     (status also takes the synthetic values "network_error" and "circuit_open")
//   - orderbook_request_duration_seconds{endpoint} (Histogram): logical call duration
//   - orderbook_errors_total{class} (Counter): errors by class (client, server, rate_limit, network)
//   - orderbook_retries_total (Counter): retry attempts
//   - orderbook_retry_exhausted_total (Counter): logical calls that exhausted retries
//   - orderbook_not_modified_total (Counter): 304 Not Modified responses
//   - orderbook_circuit_rejected_total (Counter): calls rejected by the open breaker
//
// Cache Metrics (pkg/cache):
//   - orderbook_cache_hits_total{layer} (Counter): entry hits by layer
//   - orderbook_cache_misses_total (Counter): misses
//   - orderbook_cache_errors_total{operation} (Counter): store operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - orderbook_rate_limit_remaining (Gauge): advertised request budget
//   - orderbook_rate_limit_updates_total (Counter): header observations
//
// Snapshot Metrics (pkg/snapshot):
//   - orderbook_snapshot_passes_total{result} (Counter): paginated passes by result
//   - orderbook_scheduler_runs_total{result} (Counter): scheduler runs by result
//   - orderbook_snapshot_records (Gauge): record count of the latest snapshot
//   - orderbook_snapshot_published_timestamp_seconds (Gauge): publish time of the latest snapshot
//
// Example Prometheus Queries:
//
//   # 304 rate (how much the conditional cache saves)
//   rate(orderbook_not_modified_total[5m]) / rate(orderbook_requests_total[5m])
//
//   # Snapshot staleness in seconds
//   time() - orderbook_snapshot_published_timestamp_seconds
//
//   # Breaker pressure
//   rate(orderbook_circuit_rejected_total[5m])
//
//   # P95 call latency
//   histogram_quantile(0.95, rate(orderbook_request_duration_seconds_bucket[5m]))
