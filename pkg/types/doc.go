// Package types defines the shared Go types used across the metrics core.
// These are the canonical in-memory representations of ingested entities,
// computed metric results and governance records, separate from any storage
// encoding.
package types
