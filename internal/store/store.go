package store

import (
	"context"
	"errors"
	"time"

	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a commit violates sequence, expected
	// state or idempotency constraints. Nothing was written.
	ErrConflict = errors.New("store: conflict")

	// ErrStaleSequence accompanies ErrConflict when the entry's sequence
	// does not follow the ledger tail: another writer appended first.
	// Nothing was written, so the caller may reload the tail and retry.
	ErrStaleSequence = errors.New("store: stale audit sequence")

	// ErrTransient marks failures that may succeed on retry.
	ErrTransient = errors.New("store: transient failure")

	// ErrAmbiguous marks a write whose outcome is unknown. Callers must not
	// retry it blindly.
	ErrAmbiguous = errors.New("store: ambiguous write outcome")
)

// Mutation is the state change committed together with an audit entry.
type Mutation struct {
	ResultID string
	From     types.State
	To       types.State

	// Approval, when set, is inserted or replaces the stored request with
	// the same id. A replaced request must currently be in state From.
	Approval *types.ApprovalRequest
}

// IdempotencyKey identifies the transition. Self-transitions (From == To)
// carry no key.
func (m Mutation) IdempotencyKey() string {
	if m.From == m.To {
		return ""
	}
	return m.ResultID + "|" + string(m.To)
}

// ApprovalFilter selects approval requests. Zero fields match everything.
type ApprovalFilter struct {
	Tenant   string
	State    types.State
	ResultID string
	RunID    string
}

// Match reports whether a satisfies the filter.
func (f ApprovalFilter) Match(a types.ApprovalRequest) bool {
	return (f.Tenant == "" || a.Tenant == f.Tenant) &&
		(f.State == "" || a.State == f.State) &&
		(f.ResultID == "" || a.ResultID == f.ResultID) &&
		(f.RunID == "" || a.RunID == f.RunID)
}

// AuditFilter selects audit entries of one tenant. Zero fields match
// everything; Since is inclusive and Until exclusive.
type AuditFilter struct {
	Tenant     string
	Actor      string
	Action     string
	SubjectRef string
	Since      time.Time
	Until      time.Time
	Offset     int
	Limit      int
}

// Match reports whether e satisfies the filter, ignoring Offset and Limit.
func (f AuditFilter) Match(e types.AuditEntry) bool {
	return (f.Tenant == "" || e.Tenant == f.Tenant) &&
		(f.Actor == "" || e.Actor == f.Actor) &&
		(f.Action == "" || e.Action == f.Action) &&
		(f.SubjectRef == "" || e.SubjectRef == f.SubjectRef) &&
		(f.Since.IsZero() || !e.Timestamp.Before(f.Since)) &&
		(f.Until.IsZero() || e.Timestamp.Before(f.Until))
}

// Store is the persistence interface of the core.
type Store interface {
	PutPolicy(ctx context.Context, p policy.Policy) (digest string, err error)
	GetPolicy(ctx context.Context, digest string) (policy.Policy, error)

	PutRun(ctx context.Context, run types.Run) error
	GetRun(ctx context.Context, id string) (types.Run, error)

	// PutResults stores immutable results; each starts in StateComputed.
	PutResults(ctx context.Context, results []types.ScoredResult) error
	GetResult(ctx context.Context, id string) (types.ScoredResult, error)
	// ListResults returns a run's results in insertion order.
	ListResults(ctx context.Context, runID string) ([]types.ScoredResult, error)
	// ListResultsByState returns results currently in state, in insertion
	// order across runs.
	ListResultsByState(ctx context.Context, state types.State) ([]types.ScoredResult, error)
	State(ctx context.Context, resultID string) (types.State, error)

	GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error)
	// ListApprovals returns matching requests ordered by creation time then id.
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]types.ApprovalRequest, error)

	// Commit appends e and applies m (if non-nil) atomically.
	Commit(ctx context.Context, e types.AuditEntry, m *Mutation) error
	// LastAudit returns the tenant's last sequence number and hash; zero
	// values for an empty ledger.
	LastAudit(ctx context.Context, tenant string) (uint64, string, error)
	// ReadAudit returns matching entries in sequence order.
	ReadAudit(ctx context.Context, f AuditFilter) ([]types.AuditEntry, error)

	Close() error
}

// page applies offset and limit to a filtered slice.
func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
