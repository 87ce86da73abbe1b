package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "moat.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func seed(t *testing.T, s Store, runID string, resultIDs ...string) {
	t.Helper()
	ctx := context.Background()
	if err := s.PutRun(ctx, types.Run{ID: runID, Tenant: "acme", StartedAt: baseTime}); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	var rs []types.ScoredResult
	for _, id := range resultIDs {
		rs = append(rs, types.ScoredResult{Result: types.MetricResult{
			ID: id, RunID: runID, MetricType: types.MetricProfitability, SubjectID: "subj-" + id,
		}})
	}
	if err := s.PutResults(ctx, rs); err != nil {
		t.Fatalf("PutResults: %v", err)
	}
}

func entry(seq uint64) types.AuditEntry {
	return types.AuditEntry{
		ID:         fmt.Sprintf("e-%d", seq),
		Tenant:     "acme",
		Sequence:   seq,
		Actor:      "system@system",
		Action:     "transition",
		SubjectRef: "r1",
		Timestamp:  baseTime.Add(time.Duration(seq) * time.Minute),
		Hash:       fmt.Sprintf("h%d", seq),
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := policy.Default()
			p.ConfidenceThreshold = 0.8
			d, err := s.PutPolicy(ctx, p)
			if err != nil {
				t.Fatalf("PutPolicy: %v", err)
			}
			if d != p.Digest() {
				t.Errorf("digest: got %q, want %q", d, p.Digest())
			}
			got, err := s.GetPolicy(ctx, d)
			if err != nil {
				t.Fatalf("GetPolicy: %v", err)
			}
			if got.Digest() != d {
				t.Errorf("stored policy digest changed: got %q, want %q", got.Digest(), d)
			}
			if _, err := s.GetPolicy(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetPolicy(missing): got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestResults_OrderAndInitialState(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, "run-1", "r3", "r1", "r2")

			got, err := s.ListResults(ctx, "run-1")
			if err != nil {
				t.Fatalf("ListResults: %v", err)
			}
			want := []string{"r3", "r1", "r2"}
			if len(got) != len(want) {
				t.Fatalf("ListResults: got %d results, want %d", len(got), len(want))
			}
			for i, id := range want {
				if got[i].Result.ID != id {
					t.Errorf("result[%d]: got %q, want %q", i, got[i].Result.ID, id)
				}
			}
			st, err := s.State(ctx, "r1")
			if err != nil {
				t.Fatalf("State: %v", err)
			}
			if st != types.StateComputed {
				t.Errorf("initial state: got %s, want Computed", st)
			}
			if _, err := s.State(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("State(missing): got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListResultsByState(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, "run-1", "r1", "r2", "r3")
			seed(t, s, "run-2", "r4")

			m := &Mutation{ResultID: "r2", From: types.StateComputed, To: types.StateAutoApproved}
			if err := s.Commit(ctx, entry(1), m); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			got, err := s.ListResultsByState(ctx, types.StateComputed)
			if err != nil {
				t.Fatalf("ListResultsByState: %v", err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, r.Result.ID)
			}
			if fmt.Sprint(ids) != "[r1 r3 r4]" {
				t.Errorf("Computed: got %v, want [r1 r3 r4]", ids)
			}

			got, _ = s.ListResultsByState(ctx, types.StateAutoApproved)
			if len(got) != 1 || got[0].Result.ID != "r2" {
				t.Errorf("AutoApproved: got %v, want [r2]", got)
			}
		})
	}
}

func TestPutRun_Duplicate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s, "run-1")
			err := s.PutRun(context.Background(), types.Run{ID: "run-1", Tenant: "acme"})
			if !errors.Is(err, ErrConflict) {
				t.Errorf("duplicate PutRun: got %v, want ErrConflict", err)
			}
		})
	}
}

func TestCommit_Sequence(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Commit(ctx, entry(2), nil); !errors.Is(err, ErrConflict) {
				t.Fatalf("Commit seq 2 on empty ledger: got %v, want ErrConflict", err)
			}
			for seq := uint64(1); seq <= 3; seq++ {
				if err := s.Commit(ctx, entry(seq), nil); err != nil {
					t.Fatalf("Commit seq %d: %v", seq, err)
				}
			}
			if err := s.Commit(ctx, entry(3), nil); !errors.Is(err, ErrConflict) || !errors.Is(err, ErrStaleSequence) {
				t.Errorf("Commit repeated seq: got %v, want ErrConflict and ErrStaleSequence", err)
			}
			seq, hash, err := s.LastAudit(ctx, "acme")
			if err != nil {
				t.Fatalf("LastAudit: %v", err)
			}
			if seq != 3 || hash != "h3" {
				t.Errorf("LastAudit: got (%d, %q), want (3, h3)", seq, hash)
			}
			seq, hash, err = s.LastAudit(ctx, "other")
			if err != nil || seq != 0 || hash != "" {
				t.Errorf("LastAudit(empty): got (%d, %q, %v), want zero", seq, hash, err)
			}
		})
	}
}

func TestCommit_StateCAS(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, "run-1", "r1")

			bad := &Mutation{ResultID: "r1", From: types.StatePendingReview, To: types.StateApproved}
			if err := s.Commit(ctx, entry(1), bad); !errors.Is(err, ErrConflict) {
				t.Fatalf("Commit with wrong From: got %v, want ErrConflict", err)
			}
			// A rejected commit leaves the ledger untouched.
			if seq, _, _ := s.LastAudit(ctx, "acme"); seq != 0 {
				t.Errorf("LastAudit after conflict: got %d, want 0", seq)
			}

			ok := &Mutation{ResultID: "r1", From: types.StateComputed, To: types.StateAutoApproved}
			if err := s.Commit(ctx, entry(1), ok); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			st, _ := s.State(ctx, "r1")
			if st != types.StateAutoApproved {
				t.Errorf("state: got %s, want AutoApproved", st)
			}

			missing := &Mutation{ResultID: "nope", From: types.StateComputed, To: types.StateAutoApproved}
			if err := s.Commit(ctx, entry(2), missing); !errors.Is(err, ErrNotFound) {
				t.Errorf("Commit on missing result: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCommit_ApprovalUpsert(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, "run-1", "r1")

			a := types.ApprovalRequest{
				ID: "a1", ResultID: "r1", RunID: "run-1", Tenant: "acme",
				MetricType: types.MetricProfitability, State: types.StatePendingReview,
				RequiredRole: "reviewer", CreatedAt: baseTime,
			}
			m := &Mutation{ResultID: "r1", From: types.StateComputed, To: types.StatePendingReview, Approval: &a}
			if err := s.Commit(ctx, entry(1), m); err != nil {
				t.Fatalf("Commit create: %v", err)
			}

			// Escalation: self-transition replacing the request.
			esc := a
			esc.RequiredRole = "admin"
			esc.Escalated = true
			m = &Mutation{ResultID: "r1", From: types.StatePendingReview, To: types.StatePendingReview, Approval: &esc}
			if err := s.Commit(ctx, entry(2), m); err != nil {
				t.Fatalf("Commit escalate: %v", err)
			}

			dec := esc
			dec.State = types.StateApproved
			dec.DecidedBy = "bob@admin"
			m = &Mutation{ResultID: "r1", From: types.StatePendingReview, To: types.StateApproved, Approval: &dec}
			if err := s.Commit(ctx, entry(3), m); err != nil {
				t.Fatalf("Commit decide: %v", err)
			}

			got, err := s.GetApproval(ctx, "a1")
			if err != nil {
				t.Fatalf("GetApproval: %v", err)
			}
			if got.State != types.StateApproved || got.RequiredRole != "admin" || !got.Escalated {
				t.Errorf("approval: got %+v", got)
			}

			pending, _ := s.ListApprovals(ctx, ApprovalFilter{Tenant: "acme", State: types.StatePendingReview})
			if len(pending) != 0 {
				t.Errorf("pending after decision: got %d, want 0", len(pending))
			}
			byResult, _ := s.ListApprovals(ctx, ApprovalFilter{ResultID: "r1"})
			if len(byResult) != 1 || byResult[0].ID != "a1" {
				t.Errorf("ListApprovals by result: got %+v", byResult)
			}
		})
	}
}

func TestCommit_ConcurrentDecisionsExactlyOnce(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, s, "run-1", "r1")
			a := types.ApprovalRequest{ID: "a1", ResultID: "r1", Tenant: "acme", State: types.StatePendingReview, CreatedAt: baseTime}
			if err := s.Commit(ctx, entry(1), &Mutation{ResultID: "r1", From: types.StateComputed, To: types.StatePendingReview, Approval: &a}); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			// Both deciders prepared the same next sequence number; only one
			// commit may land.
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for _, to := range []types.State{types.StateApproved, types.StateRejected} {
				wg.Add(1)
				go func(to types.State) {
					defer wg.Done()
					dec := a
					dec.State = to
					err := s.Commit(ctx, entry(2), &Mutation{ResultID: "r1", From: types.StatePendingReview, To: to, Approval: &dec})
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(to)
			}
			wg.Wait()
			if wins != 1 {
				t.Errorf("winners: got %d, want 1", wins)
			}
		})
	}
}

func TestReadAudit_Filter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for seq := uint64(1); seq <= 5; seq++ {
				e := entry(seq)
				if seq%2 == 0 {
					e.Actor = "bob@reviewer"
				}
				if err := s.Commit(ctx, e, nil); err != nil {
					t.Fatalf("Commit: %v", err)
				}
			}

			tests := []struct {
				name string
				f    AuditFilter
				want []uint64
			}{
				{"all", AuditFilter{Tenant: "acme"}, []uint64{1, 2, 3, 4, 5}},
				{"actor", AuditFilter{Tenant: "acme", Actor: "bob@reviewer"}, []uint64{2, 4}},
				{"since", AuditFilter{Tenant: "acme", Since: baseTime.Add(3 * time.Minute)}, []uint64{3, 4, 5}},
				{"until", AuditFilter{Tenant: "acme", Until: baseTime.Add(3 * time.Minute)}, []uint64{1, 2}},
				{"limit", AuditFilter{Tenant: "acme", Limit: 2}, []uint64{1, 2}},
				{"offset", AuditFilter{Tenant: "acme", Offset: 3}, []uint64{4, 5}},
				{"other tenant", AuditFilter{Tenant: "globex"}, nil},
			}
			for _, tt := range tests {
				got, err := s.ReadAudit(ctx, tt.f)
				if err != nil {
					t.Fatalf("%s: ReadAudit: %v", tt.name, err)
				}
				if len(got) != len(tt.want) {
					t.Errorf("%s: got %d entries, want %d", tt.name, len(got), len(tt.want))
					continue
				}
				for i, seq := range tt.want {
					if got[i].Sequence != seq {
						t.Errorf("%s: entry[%d].Sequence = %d, want %d", tt.name, i, got[i].Sequence, seq)
					}
				}
			}
		})
	}
}

func TestSQLite_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moat.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	seed(t, s, "run-1", "r1")
	if err := s.Commit(context.Background(), entry(1), &Mutation{ResultID: "r1", From: types.StateComputed, To: types.StateAutoApproved}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	st, err := s.State(context.Background(), "r1")
	if err != nil || st != types.StateAutoApproved {
		t.Errorf("State after reopen: got (%s, %v), want AutoApproved", st, err)
	}
	seq, _, _ := s.LastAudit(context.Background(), "acme")
	if seq != 1 {
		t.Errorf("LastAudit after reopen: got %d, want 1", seq)
	}
}
