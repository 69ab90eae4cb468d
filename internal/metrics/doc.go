// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection status, transitions and reconnect scheduling
//   - Inbound and outbound frame rates, drops by reason
//   - Outbound queue depth
//   - Journal batch sizes, latencies and failures
package metrics
