// Package store is the storage layer of the metrics core.
//
// Store is the interface the rest of the core depends on. Two
// implementations are provided:
//
//   - Memory: a mutex-guarded in-process store, optionally mirroring every
//     committed audit entry to an append-only JSONL journal. A journal write
//     failure aborts the commit.
//   - SQLite: a durable store on github.com/mattn/go-sqlite3 in WAL mode.
//
// Commit is the only operation that changes governance state. It appends one
// audit entry and applies at most one Mutation in a single unit of work:
// the entry's sequence number must directly follow the tenant's last entry,
// the result's current state must equal Mutation.From, and the idempotency
// key (result id, target state) must be unused. Any violation returns
// ErrConflict and changes nothing.
//
// Errors are classified for callers: ErrTransient (safe to retry reads),
// ErrAmbiguous (a write whose outcome is unknown, never retried),
// ErrNotFound and ErrConflict. Retry wraps read operations with truncated
// exponential backoff.
package store
