// Package sinks implements concrete progress consumers for the hub: a
// structured log sink and a Prometheus sink. Each satisfies progress.Sink and
// is safe for repeated Consume/Close cycles.
package sinks
