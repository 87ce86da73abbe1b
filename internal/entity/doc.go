// Package entity provides the read-only view over an ingested entity batch
// for one analysis window, and the Source interface through which batches
// are obtained from ingestion.
//
// NewView filters a Batch to the window once (invoices and time logs by
// date, licenses by overlap of their active range) and sorts every record
// set by date then id, so that every consumer iterates in the same order and
// floating-point sums are reproducible. Accessors return copies; a View is
// safe for concurrent use by any number of metric computers.
//
// FileSource reads a YAML (or JSON) batch file per tenant. StaticSource
// serves fixed batches from memory.
package entity
