package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Memory is a thread-safe in-process Store.
type Memory struct {
	mu         sync.RWMutex
	policies   map[string]policy.Policy
	runs       map[string]types.Run
	results    map[string]types.ScoredResult
	runResults map[string][]string
	order      []string // result ids in insertion order
	states     map[string]types.State
	approvals  map[string]types.ApprovalRequest
	applied    map[string]struct{}
	audit      map[string][]types.AuditEntry // per tenant, in sequence order
	journal    *Journal
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithJournal mirrors every committed audit entry to j before the commit
// becomes visible. The ledger resumes from the entries j held when it was
// opened, so sequences continue across processes. Results and approvals are
// not journaled.
func WithJournal(j *Journal) MemoryOption {
	return func(m *Memory) {
		m.journal = j
		for _, e := range j.replay {
			m.audit[e.Tenant] = append(m.audit[e.Tenant], e)
		}
	}
}

// NewMemory returns an empty Memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		policies:   make(map[string]policy.Policy),
		runs:       make(map[string]types.Run),
		results:    make(map[string]types.ScoredResult),
		runResults: make(map[string][]string),
		states:     make(map[string]types.State),
		approvals:  make(map[string]types.ApprovalRequest),
		applied:    make(map[string]struct{}),
		audit:      make(map[string][]types.AuditEntry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// PutPolicy stores a policy snapshot under its digest.
func (m *Memory) PutPolicy(_ context.Context, p policy.Policy) (string, error) {
	d := p.Digest()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[d]; !ok {
		m.policies[d] = p.Clone()
	}
	return d, nil
}

// GetPolicy returns the snapshot stored under digest.
func (m *Memory) GetPolicy(_ context.Context, digest string) (policy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[digest]
	if !ok {
		return policy.Policy{}, fmt.Errorf("%w: policy %s", ErrNotFound, digest)
	}
	return p.Clone(), nil
}

// PutRun stores a run. Runs are immutable; a second put of the same id is a
// conflict.
func (m *Memory) PutRun(_ context.Context, run types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s exists", ErrConflict, run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

// GetRun returns a run by id.
func (m *Memory) GetRun(_ context.Context, id string) (types.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return types.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return r, nil
}

// PutResults stores results in StateComputed. Either all are stored or none.
func (m *Memory) PutResults(_ context.Context, results []types.ScoredResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		if _, ok := m.results[r.Result.ID]; ok {
			return fmt.Errorf("%w: result %s exists", ErrConflict, r.Result.ID)
		}
	}
	for _, r := range results {
		id := r.Result.ID
		m.results[id] = r
		m.runResults[r.Result.RunID] = append(m.runResults[r.Result.RunID], id)
		m.order = append(m.order, id)
		m.states[id] = types.StateComputed
	}
	return nil
}

// GetResult returns a result by id.
func (m *Memory) GetResult(_ context.Context, id string) (types.ScoredResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[id]
	if !ok {
		return types.ScoredResult{}, fmt.Errorf("%w: result %s", ErrNotFound, id)
	}
	return r, nil
}

// ListResults returns a run's results in insertion order.
func (m *Memory) ListResults(_ context.Context, runID string) ([]types.ScoredResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.runResults[runID]
	out := make([]types.ScoredResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.results[id])
	}
	return out, nil
}

// ListResultsByState returns every result currently in state, in insertion
// order.
func (m *Memory) ListResultsByState(_ context.Context, state types.State) ([]types.ScoredResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ScoredResult
	for _, id := range m.order {
		if m.states[id] == state {
			out = append(out, m.results[id])
		}
	}
	return out, nil
}

// State returns the current governance state of a result.
func (m *Memory) State(_ context.Context, resultID string) (types.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[resultID]
	if !ok {
		return "", fmt.Errorf("%w: result %s", ErrNotFound, resultID)
	}
	return s, nil
}

// GetApproval returns an approval request by id.
func (m *Memory) GetApproval(_ context.Context, id string) (types.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return types.ApprovalRequest{}, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	return a, nil
}

// ListApprovals returns matching approval requests.
func (m *Memory) ListApprovals(_ context.Context, f ApprovalFilter) ([]types.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ApprovalRequest
	for _, a := range m.approvals {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	sortApprovals(out)
	return out, nil
}

// Commit validates and applies e and mu atomically.
func (m *Memory) Commit(_ context.Context, e types.AuditEntry, mu *Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last uint64
	if entries := m.audit[e.Tenant]; len(entries) > 0 {
		last = entries[len(entries)-1].Sequence
	}
	if e.Sequence != last+1 {
		return fmt.Errorf("%w: %w: tenant %s sequence %d does not follow %d", ErrConflict, ErrStaleSequence, e.Tenant, e.Sequence, last)
	}

	if mu != nil {
		cur, ok := m.states[mu.ResultID]
		if !ok {
			return fmt.Errorf("%w: result %s", ErrNotFound, mu.ResultID)
		}
		if cur != mu.From {
			return fmt.Errorf("%w: result %s is %s, expected %s", ErrConflict, mu.ResultID, cur, mu.From)
		}
		if key := mu.IdempotencyKey(); key != "" {
			if _, dup := m.applied[key]; dup {
				return fmt.Errorf("%w: transition %s already applied", ErrConflict, key)
			}
		}
		if mu.Approval != nil {
			if existing, ok := m.approvals[mu.Approval.ID]; ok && existing.State != mu.From {
				return fmt.Errorf("%w: approval %s is %s, expected %s", ErrConflict, existing.ID, existing.State, mu.From)
			}
		}
	}

	if m.journal != nil {
		if err := m.journal.Append(e); err != nil {
			return fmt.Errorf("store: journal: %w", err)
		}
	}

	m.audit[e.Tenant] = append(m.audit[e.Tenant], e)
	if mu != nil {
		m.states[mu.ResultID] = mu.To
		if key := mu.IdempotencyKey(); key != "" {
			m.applied[key] = struct{}{}
		}
		if mu.Approval != nil {
			m.approvals[mu.Approval.ID] = *mu.Approval
		}
	}
	return nil
}

// LastAudit returns the tenant's last sequence number and hash.
func (m *Memory) LastAudit(_ context.Context, tenant string) (uint64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.audit[tenant]
	if len(entries) == 0 {
		return 0, "", nil
	}
	e := entries[len(entries)-1]
	return e.Sequence, e.Hash, nil
}

// ReadAudit returns matching entries in sequence order. Without a tenant in
// the filter, tenants are returned in name order.
func (m *Memory) ReadAudit(_ context.Context, f AuditFilter) ([]types.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := []string{f.Tenant}
	if f.Tenant == "" {
		tenants = tenants[:0]
		for t := range m.audit {
			tenants = append(tenants, t)
		}
		sort.Strings(tenants)
	}
	var out []types.AuditEntry
	for _, t := range tenants {
		for _, e := range m.audit[t] {
			if f.Match(e) {
				out = append(out, e)
			}
		}
	}
	return slices.Clone(page(out, f.Offset, f.Limit)), nil
}

// Close closes the journal, if any.
func (m *Memory) Close() error {
	if m.journal != nil {
		return m.journal.Close()
	}
	return nil
}

func sortApprovals(a []types.ApprovalRequest) {
	sort.Slice(a, func(i, j int) bool {
		if !a[i].CreatedAt.Equal(a[j].CreatedAt) {
			return a[i].CreatedAt.Before(a[j].CreatedAt)
		}
		return a[i].ID < a[j].ID
	})
}
