package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/moatmetrics/moatmetrics/internal/audit"
	"github.com/moatmetrics/moatmetrics/internal/compute"
	"github.com/moatmetrics/moatmetrics/internal/confidence"
	"github.com/moatmetrics/moatmetrics/internal/entity"
	"github.com/moatmetrics/moatmetrics/internal/explain"
	"github.com/moatmetrics/moatmetrics/internal/governance"
	"github.com/moatmetrics/moatmetrics/internal/notify"
	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/internal/store"
	"github.com/moatmetrics/moatmetrics/internal/telemetry"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// ActionRun is the audit action recorded when a run completes.
const ActionRun = "analytics_run"

// ErrInvalidRequest is returned for malformed run requests.
var ErrInvalidRequest = errors.New("analytics: invalid request")

// Service runs analytics and exposes results and governance operations.
type Service struct {
	store   store.Store
	source  entity.Source
	log     *audit.Log
	gov     *governance.Engine
	emitter notify.Emitter
	retry   store.Retry
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock for runs, audit timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetry sets the retry policy for storage and ingestion reads.
func WithRetry(r store.Retry) Option {
	return func(s *Service) { s.retry = r }
}

// WithEmitter sets the governance event emitter.
func WithEmitter(e notify.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// New returns a Service over st reading batches from src.
func New(st store.Store, src entity.Source, opts ...Option) *Service {
	s := &Service{
		store:   st,
		source:  src,
		emitter: notify.Nop{},
		retry:   store.DefaultRetry(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = audit.New(st, audit.WithClock(s.now), audit.WithRetry(s.retry))
	s.gov = governance.New(st, s.log,
		governance.WithClock(s.now),
		governance.WithRetry(s.retry),
		governance.WithEmitter(s.emitter),
	)
	return s
}

// RunRequest asks for one analytics run.
type RunRequest struct {
	Tenant string
	Window types.Window
	// MetricTypes to compute; empty means all families.
	MetricTypes []types.MetricType
	// Policy is snapshotted into the run. A zero Policy means policy.Default().
	Policy policy.Policy
	// Actor starting the run; zero means the system actor. Actors with the
	// system role skip the run_analytics permission check.
	Actor types.Actor
}

// Run executes one analytics run and returns its id. If routing fails part
// way, the run id is returned together with the error; results not yet
// routed stay in Computed until a Sweep routes them.
func (s *Service) Run(ctx context.Context, req RunRequest) (string, error) {
	mts, pol, actor, err := s.prepare(req)
	if err != nil {
		return "", err
	}

	batch, err := store.Read(ctx, s.retry, "ingest batch", func(ctx context.Context) (*types.Batch, error) {
		return s.source.Batch(ctx, req.Tenant, req.Window)
	})
	if err != nil {
		return "", fmt.Errorf("analytics: load batch: %w", err)
	}
	view := entity.NewView(batch, req.Window)

	outputs, err := compute.Run(ctx, view, mts)
	if err != nil {
		return "", fmt.Errorf("analytics: %w", err)
	}

	digest, err := s.store.PutPolicy(ctx, pol)
	if err != nil {
		return "", fmt.Errorf("analytics: store policy: %w", err)
	}
	now := s.now().UTC()
	run := types.Run{
		ID:           uuid.NewString(),
		Tenant:       req.Tenant,
		Window:       req.Window,
		MetricTypes:  mts,
		PolicyDigest: digest,
		Snapshot:     view.Snapshot(),
		Actor:        actor.String(),
		StartedAt:    now,
	}
	if err := s.store.PutRun(ctx, run); err != nil {
		return "", fmt.Errorf("analytics: store run: %w", err)
	}

	results := score(run, pol, outputs, now)
	if err := s.store.PutResults(ctx, results); err != nil {
		return run.ID, fmt.Errorf("analytics: store results: %w", err)
	}

	pending := 0
	for _, sr := range results {
		st, err := s.gov.Route(ctx, run, pol, sr)
		if errors.Is(err, governance.ErrConflict) {
			// A sweep routed it first.
			slog.Warn("analytics: result already routed", "run_id", run.ID, "result_id", sr.Result.ID)
			continue
		}
		if err != nil {
			return run.ID, fmt.Errorf("analytics: route %s: %w", sr.Result.ID, err)
		}
		if st == types.StatePendingReview {
			pending++
		}
	}

	entry, err := s.log.Append(ctx, types.AuditEntry{
		Tenant:     run.Tenant,
		Actor:      run.Actor,
		Action:     ActionRun,
		SubjectRef: run.ID,
		Reason: fmt.Sprintf("%d results over %s..%s, %d pending review, policy %.12s",
			len(results), run.Window.From.Format(time.DateOnly), run.Window.To.Format(time.DateOnly), pending, digest),
	}, nil)
	if err != nil {
		return run.ID, fmt.Errorf("analytics: audit run: %w", err)
	}
	s.emitter.Emit(ctx, notify.Event{
		Type: notify.EventRunCompleted, Tenant: run.Tenant, RunID: run.ID,
		Actor: run.Actor, Sequence: entry.Sequence, Timestamp: entry.Timestamp,
	})

	slog.Info("analytics: run complete",
		"tenant", run.Tenant, "run_id", run.ID, "results", len(results), "pending_review", pending)
	return run.ID, nil
}

func (s *Service) prepare(req RunRequest) ([]types.MetricType, policy.Policy, types.Actor, error) {
	if req.Tenant == "" {
		return nil, policy.Policy{}, types.Actor{}, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if !req.Window.Valid() {
		return nil, policy.Policy{}, types.Actor{}, fmt.Errorf("%w: window %s..%s is empty", ErrInvalidRequest, req.Window.From, req.Window.To)
	}

	mts := req.MetricTypes
	if len(mts) == 0 {
		mts = types.AllMetricTypes
	}
	var uniq []types.MetricType
	for _, mt := range mts {
		if !mt.Valid() {
			return nil, policy.Policy{}, types.Actor{}, fmt.Errorf("%w: unknown metric type %q", ErrInvalidRequest, mt)
		}
		if !slices.Contains(uniq, mt) {
			uniq = append(uniq, mt)
		}
	}

	pol := req.Policy
	if pol.Roles == nil && pol.Version == "" {
		pol = policy.Default()
	}
	if err := pol.Validate(); err != nil {
		return nil, policy.Policy{}, types.Actor{}, fmt.Errorf("%w: policy: %v", ErrInvalidRequest, err)
	}
	pol = pol.Clone()

	actor := req.Actor
	if actor == (types.Actor{}) {
		actor = types.SystemActor
	}
	if actor.Role != types.SystemActor.Role && !pol.Permits(actor.Role, policy.ActionRunAnalytics, "") {
		return nil, policy.Policy{}, types.Actor{}, fmt.Errorf("%w: role %q may not run analytics", governance.ErrUnauthorized, actor.Role)
	}
	return uniq, pol, actor, nil
}

// score turns computed samples into scored, explained results.
func score(run types.Run, pol policy.Policy, outputs []compute.Output, now time.Time) []types.ScoredResult {
	var out []types.ScoredResult
	for _, o := range outputs {
		params := pol.ScoringFor(o.Type)
		for _, smp := range o.Samples {
			r := types.MetricResult{
				ID:         uuid.NewString(),
				RunID:      run.ID,
				MetricType: o.Type,
				SubjectID:  smp.SubjectID,
				Value:      smp.Value,
				Unit:       smp.Unit,
				ComputedAt: now,
				Features:   smp.Features,
			}
			a := confidence.Score(r.Features, r.Value == nil, params)
			a.ResultID = r.ID
			out = append(out, types.ScoredResult{Result: r, Assessment: a, Explanation: explain.Generate(r, a)})
		}
	}
	return out
}

// Results returns every result of a run with its governance state.
func (s *Service) Results(ctx context.Context, runID string) ([]types.ResultView, error) {
	results, err := store.Read(ctx, s.retry, "list results", func(ctx context.Context) ([]types.ScoredResult, error) {
		if _, err := s.store.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return s.store.ListResults(ctx, runID)
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: results: %w", err)
	}
	approvals, err := store.Read(ctx, s.retry, "list approvals", func(ctx context.Context) ([]types.ApprovalRequest, error) {
		return s.store.ListApprovals(ctx, store.ApprovalFilter{RunID: runID})
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: results: %w", err)
	}
	approvalFor := make(map[string]string, len(approvals))
	for _, a := range approvals {
		approvalFor[a.ResultID] = a.ID
	}

	out := make([]types.ResultView, 0, len(results))
	for _, sr := range results {
		st, err := store.Read(ctx, s.retry, "state", func(ctx context.Context) (types.State, error) {
			return s.store.State(ctx, sr.Result.ID)
		})
		if err != nil {
			return nil, fmt.Errorf("analytics: results: %w", err)
		}
		out = append(out, types.ResultView{
			ScoredResult: sr,
			State:        st,
			Final:        st.Final(),
			ApprovalID:   approvalFor[sr.Result.ID],
		})
	}
	return out, nil
}

// Summary aggregates a run's results.
func (s *Service) Summary(ctx context.Context, runID string) (types.RunSummary, error) {
	views, err := s.Results(ctx, runID)
	if err != nil {
		return types.RunSummary{}, err
	}
	return summarize(runID, views), nil
}

func summarize(runID string, views []types.ResultView) types.RunSummary {
	sum := types.RunSummary{
		RunID:   runID,
		Total:   len(views),
		ByLevel: make(map[string]int),
		ByState: make(map[types.State]int),
	}
	var total float64
	for _, v := range views {
		total += v.Assessment.Score
		sum.ByLevel[v.Assessment.Level]++
		sum.ByState[v.State]++
		if v.ApprovalID != "" {
			sum.RequiringReview++
		}
		if v.Final {
			sum.Final++
		}
	}
	if len(views) > 0 {
		sum.AverageConfidence = total / float64(len(views))
	}
	return sum
}

// PendingApprovals lists open reviews the role may decide across tenants.
// An empty role lists all of them.
func (s *Service) PendingApprovals(ctx context.Context, role string) ([]governance.Pending, error) {
	return s.gov.Pending(ctx, "", role)
}

// Decide records a reviewer decision and returns its audit entry.
func (s *Service) Decide(ctx context.Context, approvalID string, actor types.Actor, decision types.Decision, reason string) (types.AuditEntry, error) {
	return s.gov.Decide(ctx, governance.DecideRequest{
		ApprovalID: approvalID,
		Actor:      actor,
		Decision:   decision,
		Reason:     reason,
	})
}

// Audit reads the audit ledger.
func (s *Service) Audit(ctx context.Context, f store.AuditFilter) ([]types.AuditEntry, error) {
	return s.log.Read(ctx, f)
}

// VerifyAudit reads a tenant's whole ledger and checks its hash chain.
func (s *Service) VerifyAudit(ctx context.Context, tenant string) (int, error) {
	entries, err := s.log.Read(ctx, store.AuditFilter{Tenant: tenant})
	if err != nil {
		return 0, err
	}
	return len(entries), audit.Verify(entries)
}

// Sweep applies review-expiry rules and finishes interrupted applies.
func (s *Service) Sweep(ctx context.Context) (governance.SweepReport, error) {
	return s.gov.Sweep(ctx)
}

// Telemetry gathers the metrics snapshot of a run: its results, the open
// reviews of its tenant and the tenant's audit sequence.
func (s *Service) Telemetry(ctx context.Context, runID string) (telemetry.Snapshot, error) {
	run, err := store.Read(ctx, s.retry, "get run", func(ctx context.Context) (types.Run, error) {
		return s.store.GetRun(ctx, runID)
	})
	if err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("analytics: telemetry: %w", err)
	}
	views, err := s.Results(ctx, runID)
	if err != nil {
		return telemetry.Snapshot{}, err
	}
	pending, err := s.gov.Pending(ctx, run.Tenant, "")
	if err != nil {
		return telemetry.Snapshot{}, err
	}
	seq, _, err := s.store.LastAudit(ctx, run.Tenant)
	if err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("analytics: telemetry: %w", err)
	}
	return telemetry.Snapshot{
		Tenant:        run.Tenant,
		Results:       views,
		Pending:       pending,
		AuditSequence: map[string]uint64{run.Tenant: seq},
	}, nil
}
