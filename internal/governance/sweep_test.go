package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moatmetrics/moatmetrics/internal/audit"
	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/internal/store"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

func TestPending_FiltersByRoleAndReportsWaiting(t *testing.T) {
	pol := testPolicy()
	pol.Metrics = map[types.MetricType]policy.MetricRule{
		types.MetricSpendAnalysis: {RequiredRole: "finance"},
	}
	fx := newFixture(t, pol)
	fx.route(t, "profit", types.MetricProfitability, f64(1), 0.1)
	fx.clock.advance(time.Minute)
	fx.route(t, "spend", types.MetricSpendAnalysis, f64(1), 0.1)
	fx.clock.advance(time.Hour)

	tests := []struct {
		role string
		want []string
	}{
		{"reviewer", []string{"profit"}},
		{"finance", []string{"spend"}},
		{"admin", []string{"profit", "spend"}},
		{"analyst", nil},
		{"", []string{"profit", "spend"}},
	}
	for _, tt := range tests {
		got, err := fx.engine.Pending(context.Background(), "acme", tt.role)
		if err != nil {
			t.Fatalf("Pending(%q): %v", tt.role, err)
		}
		var ids []string
		for _, p := range got {
			ids = append(ids, p.ResultID)
		}
		if !equalStrings(ids, tt.want) {
			t.Errorf("Pending(%q): got %v, want %v", tt.role, ids, tt.want)
		}
	}

	all, _ := fx.engine.Pending(context.Background(), "", "")
	if all[0].Waiting != time.Hour+time.Minute {
		t.Errorf("Waiting: got %v, want 1h1m", all[0].Waiting)
	}
}

func TestSweep_NoRuleKeepsRequestsOpen(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.1)
	fx.clock.advance(365 * 24 * time.Hour)

	rep, err := fx.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep != (SweepReport{}) {
		t.Errorf("report: got %+v, want zero", rep)
	}
	if st := fx.state(t, "r1"); st != types.StatePendingReview {
		t.Errorf("state: got %s, want PendingReview", st)
	}
}

func TestSweep_Expire(t *testing.T) {
	pol := testPolicy()
	pol.ReviewExpiry = policy.ReviewExpiry{After: 48 * time.Hour, Action: policy.ExpiryExpire}
	fx := newFixture(t, pol)
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.1)

	a := fx.approvalFor(t, "r1")
	if a.ExpiresAt == nil || !a.ExpiresAt.Equal(baseTime.Add(48*time.Hour)) {
		t.Fatalf("ExpiresAt: got %v", a.ExpiresAt)
	}

	fx.clock.advance(47 * time.Hour)
	if rep, _ := fx.engine.Sweep(context.Background()); rep.Expired != 0 {
		t.Fatalf("expired before deadline: %+v", rep)
	}

	fx.clock.advance(time.Hour)
	rep, err := fx.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Expired != 1 {
		t.Errorf("Expired: got %d, want 1", rep.Expired)
	}
	if st := fx.state(t, "r1"); st != types.StateExpired {
		t.Errorf("state: got %s, want Expired", st)
	}
	if types.StateExpired.Final() || !types.StateExpired.Terminal() {
		t.Error("Expired must be terminal and not final")
	}

	// Expired requests can no longer be decided.
	_, err = fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: a.ID, Actor: types.Actor{ID: "bob", Role: "reviewer"}, Decision: types.DecisionApprove,
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Decide after expiry: got %v, want ErrConflict", err)
	}
	es := fx.entries(t, "r1")
	if last := es[len(es)-1]; last.Action != ActionExpired || last.NewState != types.StateExpired {
		t.Errorf("last entry: %+v", last)
	}
}

func TestSweep_Escalate(t *testing.T) {
	pol := testPolicy()
	pol.ReviewExpiry = policy.ReviewExpiry{After: time.Hour, Action: policy.ExpiryEscalate, EscalateTo: "admin"}
	fx := newFixture(t, pol)
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.1)
	fx.clock.advance(2 * time.Hour)

	rep, err := fx.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Escalated != 1 {
		t.Fatalf("Escalated: got %d, want 1", rep.Escalated)
	}
	a := fx.approvalFor(t, "r1")
	if !a.Escalated || a.RequiredRole != "admin" || a.State != types.StatePendingReview {
		t.Errorf("approval after escalation: %+v", a)
	}
	es := fx.entries(t, "r1")
	last := es[len(es)-1]
	if last.Action != ActionEscalated || last.PriorState != types.StatePendingReview || last.NewState != types.StatePendingReview {
		t.Errorf("escalation entry: %+v", last)
	}

	// A second sweep leaves the escalated request alone.
	if rep, _ := fx.engine.Sweep(context.Background()); rep.Escalated != 0 {
		t.Errorf("second sweep escalated again: %+v", rep)
	}

	// The original reviewer role may no longer decide.
	_, err = fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: a.ID, Actor: types.Actor{ID: "bob", Role: "reviewer"}, Decision: types.DecisionApprove,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("reviewer after escalation: got %v, want ErrUnauthorized", err)
	}
	if _, err := fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: a.ID, Actor: types.Actor{ID: "root", Role: "admin"}, Decision: types.DecisionApprove,
	}); err != nil {
		t.Errorf("admin after escalation: %v", err)
	}
}

// failingApply rejects commits into Applied once.
type failingApply struct {
	store.Store
	failed bool
}

func (f *failingApply) Commit(ctx context.Context, e types.AuditEntry, m *store.Mutation) error {
	if m != nil && m.To == types.StateApplied && !f.failed {
		f.failed = true
		return errors.New("disk full")
	}
	return f.Store.Commit(ctx, e, m)
}

func TestSweep_AppliesStragglers(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.1)
	a := fx.approvalFor(t, "r1")

	fs := &failingApply{Store: fx.store}
	eng := New(fs, audit.New(fs, audit.WithClock(fx.clock.now)), WithClock(fx.clock.now))
	if _, err := eng.Decide(context.Background(), DecideRequest{
		ApprovalID: a.ID, Actor: types.Actor{ID: "bob", Role: "reviewer"}, Decision: types.DecisionApprove,
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if st := fx.state(t, "r1"); st != types.StateApproved {
		t.Fatalf("state after failed apply: got %s, want Approved", st)
	}

	rep, err := eng.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Applied != 1 {
		t.Errorf("Applied: got %d, want 1", rep.Applied)
	}
	if st := fx.state(t, "r1"); st != types.StateApplied {
		t.Errorf("state: got %s, want Applied", st)
	}
}

// failingRoute rejects the first commit that moves resultID out of Computed.
type failingRoute struct {
	store.Store
	resultID string
	failed   bool
}

func (f *failingRoute) Commit(ctx context.Context, e types.AuditEntry, m *store.Mutation) error {
	if m != nil && m.ResultID == f.resultID && m.From == types.StateComputed && !f.failed {
		f.failed = true
		return errors.New("disk full")
	}
	return f.Store.Commit(ctx, e, m)
}

func TestSweep_RoutesResultsLeftComputed(t *testing.T) {
	pol := testPolicy()
	pol.Metrics = map[types.MetricType]policy.MetricRule{
		types.MetricProfitability: {RequiredRole: "finance"},
	}
	fx := newFixture(t, pol)
	ctx := context.Background()

	results := []types.ScoredResult{
		{Result: types.MetricResult{ID: "r1", RunID: fx.run.ID, MetricType: types.MetricProfitability, Value: f64(1), ComputedAt: baseTime}, Assessment: types.ConfidenceAssessment{Score: 0.95}},
		{Result: types.MetricResult{ID: "r2", RunID: fx.run.ID, MetricType: types.MetricProfitability, Value: f64(2), ComputedAt: baseTime}, Assessment: types.ConfidenceAssessment{Score: 0.95}},
		{Result: types.MetricResult{ID: "r3", RunID: fx.run.ID, MetricType: types.MetricProfitability, Value: f64(3), ComputedAt: baseTime}, Assessment: types.ConfidenceAssessment{Score: 0.1}},
	}
	if err := fx.store.PutResults(ctx, results); err != nil {
		t.Fatalf("PutResults: %v", err)
	}

	// The run routes in order and stops at the first failure.
	fs := &failingRoute{Store: fx.store, resultID: "r2"}
	broken := New(fs, audit.New(fs, audit.WithClock(fx.clock.now)), WithClock(fx.clock.now))
	for _, sr := range results {
		if _, err := broken.Route(ctx, fx.run, pol, sr); err != nil {
			break
		}
	}
	for id, want := range map[string]types.State{"r1": types.StateApplied, "r2": types.StateComputed, "r3": types.StateComputed} {
		if st := fx.state(t, id); st != want {
			t.Fatalf("%s after failed run: got %s, want %s", id, st, want)
		}
	}

	rep, err := fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep within grace: %v", err)
	}
	if rep.Routed != 0 {
		t.Errorf("Routed within grace: got %d, want 0", rep.Routed)
	}

	fx.clock.advance(2 * routeGrace)
	rep, err = fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Routed != 2 {
		t.Errorf("Routed: got %d, want 2", rep.Routed)
	}
	if st := fx.state(t, "r2"); st != types.StateApplied {
		t.Errorf("r2: got %s, want Applied", st)
	}
	if st := fx.state(t, "r3"); st != types.StatePendingReview {
		t.Errorf("r3: got %s, want PendingReview", st)
	}
	// The request carries the run's policy snapshot.
	if a := fx.approvalFor(t, "r3"); a.RequiredRole != "finance" || a.RunID != fx.run.ID {
		t.Errorf("approval: role %q run %q, want finance run-1", a.RequiredRole, a.RunID)
	}

	rep, err = fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if rep.Routed != 0 {
		t.Errorf("second Sweep Routed: got %d, want 0", rep.Routed)
	}
	entries, _ := fx.log.Read(ctx, store.AuditFilter{Tenant: "acme"})
	if err := audit.Verify(entries); err != nil {
		t.Errorf("Verify: %v", err)
	}
}
