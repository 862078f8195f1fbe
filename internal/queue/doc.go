// Package queue implements the coordinator's work queues: the lease-based
// batch queue claimed by discovery workers and the record queue drained by
// enrichment workers. Both sit on top of the store repositories and own the
// validation and time-keeping that the repositories leave to callers.
package queue
