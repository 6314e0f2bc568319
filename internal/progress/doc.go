// Package progress delivers per-job audit events to observers. The Publisher
// keeps a backlog per job so late subscribers see every settled stage, and
// delivers to each subscriber over a bounded channel that never blocks the
// pipeline. Every event is also handed to a batching Hub that fans out to
// pluggable sinks such as structured logs or Prometheus metrics.
package progress
