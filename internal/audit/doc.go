// Package audit is the append point of the per-tenant audit ledger.
//
// Every governance transition is one Log.Append: the entry receives the
// next sequence number of its tenant, the hash of its predecessor and its
// own sha256 hash, and is committed together with the state mutation in a
// single storage transaction. Appends to the same tenant are serialised by
// a per-tenant mutex; the storage layer re-checks the sequence so that
// several processes sharing one database cannot fork the chain.
//
// Verify re-derives the chain from a slice of entries and reports the first
// gap or hash mismatch.
package audit
