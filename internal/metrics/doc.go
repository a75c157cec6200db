// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Transaction outcomes and round-trip latency per connection
//   - Transaction registry size per connection
//   - Connection status, reconnects and login attempts
//   - Stream events and dropped inbound messages
//   - Position snapshots, open positions and journal writes
package metrics
