// Package crawler holds the domain model shared by the coordinator and the
// workers: batches, records, reference data, the render capability, and the
// bounded retry policy both worker roles use.
package crawler
