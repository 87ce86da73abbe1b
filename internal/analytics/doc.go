// Package analytics is the entry point of the metrics core.
//
// Service.Run fetches a tenant's entity batch, computes the requested metric
// families in parallel, scores and explains every result, stores the run
// with its policy snapshot and routes each result through governance. The
// remaining methods read results, list and decide reviews, read the audit
// ledger and run the expiry sweep.
package analytics
