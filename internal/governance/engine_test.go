package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moatmetrics/moatmetrics/internal/audit"
	"github.com/moatmetrics/moatmetrics/internal/notify"
	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/internal/store"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Emit(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store  *store.Memory
	log    *audit.Log
	engine *Engine
	clock  *clock
	events *recorder
	run    types.Run
	pol    policy.Policy
}

func testPolicy() policy.Policy {
	p := policy.Default()
	p.Roles = map[string][]string{
		"admin":    {"*"},
		"reviewer": {policy.ActionApproveMetric, policy.ActionViewResults},
		"analyst":  {policy.ActionRunAnalytics, policy.ActionViewResults},
		"finance":  {policy.ActionApproveMetric + ":" + string(types.MetricSpendAnalysis)},
	}
	return p
}

func newFixture(t *testing.T, pol policy.Policy) *fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{t: baseTime}
	mem := store.NewMemory()
	log := audit.New(mem, audit.WithClock(c.now))
	rec := &recorder{}
	eng := New(mem, log, WithClock(c.now), WithEmitter(rec))

	digest, err := mem.PutPolicy(ctx, pol)
	if err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	run := types.Run{ID: "run-1", Tenant: "acme", PolicyDigest: digest, StartedAt: baseTime}
	if err := mem.PutRun(ctx, run); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	return &fixture{store: mem, log: log, engine: eng, clock: c, events: rec, run: run, pol: pol}
}

func f64(v float64) *float64 { return &v }

// route stores one result with the given score and value and routes it.
func (fx *fixture) route(t *testing.T, id string, mt types.MetricType, value *float64, score float64) types.State {
	t.Helper()
	ctx := context.Background()
	sr := types.ScoredResult{
		Result:     types.MetricResult{ID: id, RunID: fx.run.ID, MetricType: mt, SubjectID: "subj-" + id, Value: value},
		Assessment: types.ConfidenceAssessment{ResultID: id, Score: score},
	}
	if err := fx.store.PutResults(ctx, []types.ScoredResult{sr}); err != nil {
		t.Fatalf("PutResults: %v", err)
	}
	st, err := fx.engine.Route(ctx, fx.run, fx.pol, sr)
	if err != nil {
		t.Fatalf("Route(%s): %v", id, err)
	}
	return st
}

func (fx *fixture) approvalFor(t *testing.T, resultID string) types.ApprovalRequest {
	t.Helper()
	as, err := fx.store.ListApprovals(context.Background(), store.ApprovalFilter{ResultID: resultID})
	if err != nil || len(as) != 1 {
		t.Fatalf("ListApprovals(%s): got %d, %v", resultID, len(as), err)
	}
	return as[0]
}

func (fx *fixture) state(t *testing.T, resultID string) types.State {
	t.Helper()
	st, err := fx.store.State(context.Background(), resultID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return st
}

func (fx *fixture) entries(t *testing.T, subject string) []types.AuditEntry {
	t.Helper()
	es, err := fx.log.Read(context.Background(), store.AuditFilter{Tenant: "acme", SubjectRef: subject})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return es
}

func actions(es []types.AuditEntry) []string {
	var out []string
	for _, e := range es {
		out = append(out, e.Action)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRoute_HighConfidenceAutoApprovedAndApplied(t *testing.T) {
	fx := newFixture(t, testPolicy())
	st := fx.route(t, "r1", types.MetricProfitability, f64(4000), 0.95)
	if st != types.StateApplied {
		t.Fatalf("Route: got %s, want Applied", st)
	}
	es := fx.entries(t, "r1")
	want := []string{ActionAutoApproved, ActionApplied}
	if !equalStrings(actions(es), want) {
		t.Fatalf("audit actions: got %v, want %v", actions(es), want)
	}
	if es[0].PriorState != types.StateComputed || es[0].NewState != types.StateAutoApproved {
		t.Errorf("auto-approve entry: %s -> %s", es[0].PriorState, es[0].NewState)
	}
	if es[1].PriorState != types.StateAutoApproved || es[1].NewState != types.StateApplied {
		t.Errorf("apply entry: %s -> %s", es[1].PriorState, es[1].NewState)
	}
	if es[0].Actor != types.SystemActor.String() {
		t.Errorf("actor: got %q", es[0].Actor)
	}
	as, _ := fx.store.ListApprovals(context.Background(), store.ApprovalFilter{ResultID: "r1"})
	if len(as) != 0 {
		t.Errorf("auto-approved result has %d approval requests", len(as))
	}
}

func TestRoute_ReviewReasons(t *testing.T) {
	always := testPolicy()
	always.Metrics = map[types.MetricType]policy.MetricRule{
		types.MetricSpendAnalysis: {AlwaysReview: true, RequiredRole: "finance"},
	}
	lenient := testPolicy()
	lenient.AlwaysReviewUndefined = false

	tests := []struct {
		name  string
		pol   policy.Policy
		mt    types.MetricType
		value *float64
		score float64
		want  types.State
		role  string
	}{
		{"below threshold", testPolicy(), types.MetricProfitability, f64(1), 0.65, types.StatePendingReview, "reviewer"},
		{"at threshold", testPolicy(), types.MetricProfitability, f64(1), 0.7, types.StateApplied, ""},
		{"undefined value", testPolicy(), types.MetricLicenseEfficiency, nil, 0.95, types.StatePendingReview, "reviewer"},
		{"undefined value allowed", lenient, types.MetricLicenseEfficiency, nil, 0.95, types.StateApplied, ""},
		{"always review override", always, types.MetricSpendAnalysis, f64(1), 0.99, types.StatePendingReview, "finance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.pol)
			st := fx.route(t, "r1", tt.mt, tt.value, tt.score)
			if st != tt.want {
				t.Fatalf("Route: got %s, want %s", st, tt.want)
			}
			if tt.want != types.StatePendingReview {
				return
			}
			a := fx.approvalFor(t, "r1")
			if a.RequiredRole != tt.role {
				t.Errorf("RequiredRole: got %q, want %q", a.RequiredRole, tt.role)
			}
			if a.State != types.StatePendingReview || a.Tenant != "acme" || a.RunID != "run-1" {
				t.Errorf("approval: %+v", a)
			}
			if a.ExpiresAt != nil {
				t.Errorf("ExpiresAt without expiry rule: %v", a.ExpiresAt)
			}
		})
	}
}

func TestDecide_ApproveThenApplied(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(4000), 0.65)
	a := fx.approvalFor(t, "r1")

	fx.clock.advance(time.Hour)
	entry, err := fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: a.ID,
		Actor:      types.Actor{ID: "bob", Role: "reviewer"},
		Decision:   types.DecisionApprove,
		Reason:     "numbers reconciled",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if entry.Action != ActionApproved || entry.NewState != types.StateApproved || entry.Actor != "bob@reviewer" {
		t.Errorf("decision entry: %+v", entry)
	}
	if st := fx.state(t, "r1"); st != types.StateApplied {
		t.Errorf("state: got %s, want Applied", st)
	}

	want := []string{ActionReviewRequested, ActionApproved, ActionApplied}
	if got := actions(fx.entries(t, "r1")); !equalStrings(got, want) {
		t.Errorf("audit actions: got %v, want %v", got, want)
	}

	got, _ := fx.store.GetApproval(context.Background(), a.ID)
	if got.State != types.StateApproved || got.DecidedBy != "bob@reviewer" || got.DecisionReason != "numbers reconciled" {
		t.Errorf("approval after decision: %+v", got)
	}
	if got.DecidedAt == nil || !got.DecidedAt.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("DecidedAt: got %v", got.DecidedAt)
	}
}

func TestDecide_Reject(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.3)
	a := fx.approvalFor(t, "r1")

	if _, err := fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: a.ID, Actor: types.Actor{ID: "bob", Role: "reviewer"}, Decision: types.DecisionReject,
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if st := fx.state(t, "r1"); st != types.StateRejected {
		t.Errorf("state: got %s, want Rejected", st)
	}
}

func TestDecide_UnauthorizedIsAudited(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.5)
	a := fx.approvalFor(t, "r1")

	_, err := fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: a.ID, Actor: types.Actor{ID: "eve", Role: "analyst"}, Decision: types.DecisionApprove,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Decide: got %v, want ErrUnauthorized", err)
	}
	if st := fx.state(t, "r1"); st != types.StatePendingReview {
		t.Errorf("state: got %s, want PendingReview", st)
	}
	es := fx.entries(t, "r1")
	last := es[len(es)-1]
	if last.Action != ActionDenied || last.Actor != "eve@analyst" {
		t.Errorf("denial entry: %+v", last)
	}
	if last.PriorState != types.StatePendingReview || last.NewState != types.StatePendingReview {
		t.Errorf("denial states: %s -> %s", last.PriorState, last.NewState)
	}
	got, _ := fx.store.GetApproval(context.Background(), a.ID)
	if got.State != types.StatePendingReview {
		t.Errorf("approval state: got %s", got.State)
	}
}

func TestDecide_ScopedPermission(t *testing.T) {
	pol := testPolicy()
	pol.Metrics = map[types.MetricType]policy.MetricRule{
		types.MetricSpendAnalysis: {RequiredRole: "finance"},
		types.MetricProfitability: {RequiredRole: "finance"},
	}
	fx := newFixture(t, pol)
	fx.route(t, "spend", types.MetricSpendAnalysis, f64(1), 0.1)
	fx.route(t, "profit", types.MetricProfitability, f64(1), 0.1)

	finance := types.Actor{ID: "fin", Role: "finance"}
	if _, err := fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: fx.approvalFor(t, "spend").ID, Actor: finance, Decision: types.DecisionApprove,
	}); err != nil {
		t.Errorf("finance on spend: %v", err)
	}
	if _, err := fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: fx.approvalFor(t, "profit").ID, Actor: finance, Decision: types.DecisionApprove,
	}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("finance on profitability: got %v, want ErrUnauthorized", err)
	}
}

func TestDecide_SecondDecisionConflicts(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.5)
	a := fx.approvalFor(t, "r1")
	req := DecideRequest{ApprovalID: a.ID, Actor: types.Actor{ID: "bob", Role: "reviewer"}, Decision: types.DecisionApprove}

	if _, err := fx.engine.Decide(context.Background(), req); err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	before := len(fx.entries(t, "r1"))
	req.Decision = types.DecisionReject
	if _, err := fx.engine.Decide(context.Background(), req); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Decide: got %v, want ErrConflict", err)
	}
	if after := len(fx.entries(t, "r1")); after != before {
		t.Errorf("conflicting decision wrote %d audit entries", after-before)
	}
	if st := fx.state(t, "r1"); st != types.StateApplied {
		t.Errorf("state: got %s, want Applied", st)
	}
}

func TestDecide_ConcurrentReviewersExactlyOnce(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.5)
	a := fx.approvalFor(t, "r1")

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := types.DecisionApprove
			if i%2 == 1 {
				d = types.DecisionReject
			}
			_, err := fx.engine.Decide(context.Background(), DecideRequest{
				ApprovalID: a.ID, Actor: types.Actor{ID: fmt.Sprintf("rev%d", i), Role: "reviewer"}, Decision: d,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("Decide: unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || conflicts != n-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, n-1)
	}

	decisions := 0
	for _, e := range fx.entries(t, "r1") {
		if e.Action == ActionApproved || e.Action == ActionRejected {
			decisions++
		}
	}
	if decisions != 1 {
		t.Errorf("decision entries: got %d, want 1", decisions)
	}
	all, _ := fx.log.Read(context.Background(), store.AuditFilter{Tenant: "acme"})
	if err := audit.Verify(all); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestDecide_InvalidInput(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.5)
	a := fx.approvalFor(t, "r1")
	reviewer := types.Actor{ID: "bob", Role: "reviewer"}

	tests := []struct {
		name string
		req  DecideRequest
		want error
	}{
		{"bad decision", DecideRequest{ApprovalID: a.ID, Actor: reviewer, Decision: "maybe"}, ErrInvalidDecision},
		{"stale expected state", DecideRequest{ApprovalID: a.ID, Actor: reviewer, Decision: types.DecisionApprove, Expected: types.StateApproved}, ErrConflict},
		{"unknown approval", DecideRequest{ApprovalID: "nope", Actor: reviewer, Decision: types.DecisionApprove}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fx.engine.Decide(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if st := fx.state(t, "r1"); st != types.StatePendingReview {
		t.Errorf("state: got %s, want PendingReview", st)
	}
}

func TestApply_OnlyFromApprovedStates(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.5)
	if err := fx.engine.Apply(context.Background(), "acme", "r1"); !errors.Is(err, ErrConflict) {
		t.Errorf("Apply on PendingReview: got %v, want ErrConflict", err)
	}
}

func TestEveryAppliedResultHasApprovalEntry(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "auto", types.MetricProfitability, f64(1), 0.99)
	fx.route(t, "manual", types.MetricProfitability, f64(1), 0.2)
	if _, err := fx.engine.Decide(context.Background(), DecideRequest{
		ApprovalID: fx.approvalFor(t, "manual").ID, Actor: types.Actor{ID: "root", Role: "admin"}, Decision: types.DecisionApprove,
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	for _, id := range []string{"auto", "manual"} {
		if st := fx.state(t, id); st != types.StateApplied {
			t.Fatalf("%s: state %s, want Applied", id, st)
		}
		approved := false
		for _, e := range fx.entries(t, id) {
			if e.NewState == types.StateAutoApproved || e.NewState == types.StateApproved {
				approved = true
			}
		}
		if !approved {
			t.Errorf("%s: Applied without an approval entry", id)
		}
	}
}

func TestEmitsEvents(t *testing.T) {
	fx := newFixture(t, testPolicy())
	fx.route(t, "r1", types.MetricProfitability, f64(1), 0.5)
	fx.route(t, "r2", types.MetricProfitability, f64(1), 0.9)

	want := []string{notify.EventReviewRequested, notify.EventAutoApproved, notify.EventApplied}
	if got := fx.events.types(); !equalStrings(got, want) {
		t.Errorf("events: got %v, want %v", got, want)
	}
	fx.events.mu.Lock()
	ev := fx.events.events[0]
	fx.events.mu.Unlock()
	if ev.Tenant != "acme" || ev.ApprovalID == "" || ev.RequiredRole != "reviewer" || ev.Sequence != 1 {
		t.Errorf("review event: %+v", ev)
	}
}
