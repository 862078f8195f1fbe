// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that workers use to report batch and record progress. It batches
// events on a background goroutine and fans them out to pluggable sinks such
// as Prometheus metrics, structured logs, or the coordinator's batch pointers.
package progress
