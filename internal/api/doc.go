// Package api hosts the coordinator HTTP server. Workers claim batches,
// heartbeat leases, submit candidates and complete records through the
// /api/batches, /api/records and /api/reference routes; operators manage
// batches, targets, categories and settings through the same router.
//
// Errors are JSON objects {"error": "...", "code": "..."}; the code lets
// clients map responses back onto store sentinels.
package api
