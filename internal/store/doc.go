// Package store defines interfaces for persistence dependencies (batches,
// records, reference data, settings). Implementations live in
// internal/storage; this package must not import database drivers or
// concrete clients.
package store
