package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/moatmetrics/moatmetrics/internal/audit"
	"github.com/moatmetrics/moatmetrics/internal/notify"
	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/internal/store"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

var (
	// ErrUnauthorized is returned when the actor may not decide the request.
	// The attempt has been audited.
	ErrUnauthorized = errors.New("governance: unauthorized")

	// ErrConflict is returned when the result is not in the expected state
	// or the transition already happened. Nothing changed.
	ErrConflict = errors.New("governance: conflict")

	// ErrInvalidDecision is returned for decisions other than approve/reject.
	ErrInvalidDecision = errors.New("governance: invalid decision")
)

// Audit actions written by the engine.
const (
	ActionAutoApproved    = "auto_approved"
	ActionReviewRequested = "review_requested"
	ActionApproved        = "approved"
	ActionRejected        = "rejected"
	ActionApplied         = "applied"
	ActionDenied          = "decision_denied"
	ActionExpired         = "expired"
	ActionEscalated       = "escalated"
)

// Engine evaluates policy and performs audited state transitions.
type Engine struct {
	store   store.Store
	log     *audit.Log
	emitter notify.Emitter
	retry   store.Retry
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the event emitter. The default discards events.
func WithEmitter(em notify.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithClock overrides the engine clock used for approval timestamps and
// expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry sets the retry policy for storage reads.
func WithRetry(r store.Retry) Option {
	return func(e *Engine) { e.retry = r }
}

// New returns an Engine committing through log to s.
func New(s store.Store, log *audit.Log, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		log:     log,
		emitter: notify.Nop{},
		retry:   store.DefaultRetry(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Route moves a freshly stored result out of Computed. Results that pass
// policy are auto-approved and applied; the others get an approval request.
// The returned state is where the result ended up.
func (e *Engine) Route(ctx context.Context, run types.Run, pol policy.Policy, sr types.ScoredResult) (types.State, error) {
	r := sr.Result
	reasons := reviewReasons(pol, sr)

	if len(reasons) == 0 {
		entry, err := e.transition(ctx, run.Tenant, types.SystemActor, ActionAutoApproved,
			&store.Mutation{ResultID: r.ID, From: types.StateComputed, To: types.StateAutoApproved},
			fmt.Sprintf("confidence %.2f meets threshold %.2f", sr.Assessment.Score, pol.ConfidenceThreshold))
		if err != nil {
			return "", err
		}
		e.emit(ctx, entry, notify.Event{Type: notify.EventAutoApproved, RunID: run.ID, ResultID: r.ID, MetricType: r.MetricType})

		if err := e.Apply(ctx, run.Tenant, r.ID); err != nil {
			slog.Error("governance: apply after auto-approval failed",
				"tenant", run.Tenant, "result_id", r.ID, "err", err)
			return types.StateAutoApproved, nil
		}
		return types.StateApplied, nil
	}

	now := e.now().UTC()
	a := types.ApprovalRequest{
		ID:           uuid.NewString(),
		ResultID:     r.ID,
		RunID:        run.ID,
		Tenant:       run.Tenant,
		MetricType:   r.MetricType,
		State:        types.StatePendingReview,
		RequiredRole: pol.RequiredRole(r.MetricType),
		CreatedAt:    now,
		ExpiresAt:    pol.ExpiresAt(now),
	}
	entry, err := e.transition(ctx, run.Tenant, types.SystemActor, ActionReviewRequested,
		&store.Mutation{ResultID: r.ID, From: types.StateComputed, To: types.StatePendingReview, Approval: &a},
		strings.Join(reasons, "; "))
	if err != nil {
		return "", err
	}
	e.emit(ctx, entry, notify.Event{
		Type: notify.EventReviewRequested, RunID: run.ID, ResultID: r.ID, ApprovalID: a.ID,
		MetricType: r.MetricType, RequiredRole: a.RequiredRole,
	})
	return types.StatePendingReview, nil
}

// reviewReasons lists why a result needs human review; none means it may be
// auto-approved.
func reviewReasons(pol policy.Policy, sr types.ScoredResult) []string {
	var reasons []string
	if sr.Assessment.Score < pol.ConfidenceThreshold {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below threshold %.2f",
			sr.Assessment.Score, pol.ConfidenceThreshold))
	}
	if pol.AlwaysReview(sr.Result.MetricType) {
		reasons = append(reasons, fmt.Sprintf("policy always reviews %s", sr.Result.MetricType))
	}
	if sr.Result.Value == nil && pol.AlwaysReviewUndefined {
		reasons = append(reasons, "value is undefined")
	}
	return reasons
}

// DecideRequest is a reviewer's decision on one approval request.
type DecideRequest struct {
	ApprovalID string
	Actor      types.Actor
	Decision   types.Decision
	Reason     string
	// Expected is the state the reviewer saw; empty means PendingReview.
	Expected types.State
}

// Decide records an approve or reject decision. An approved result is then
// applied. The returned entry is the decision's audit entry.
func (e *Engine) Decide(ctx context.Context, req DecideRequest) (types.AuditEntry, error) {
	target, ok := req.Decision.Target()
	if !ok {
		return types.AuditEntry{}, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}
	expected := req.Expected
	if expected == "" {
		expected = types.StatePendingReview
	}

	a, err := store.Read(ctx, e.retry, "get approval", func(ctx context.Context) (types.ApprovalRequest, error) {
		return e.store.GetApproval(ctx, req.ApprovalID)
	})
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("governance: decide: %w", err)
	}
	if a.State != expected || expected != types.StatePendingReview {
		return types.AuditEntry{}, fmt.Errorf("%w: approval %s is %s, expected %s", ErrConflict, a.ID, a.State, expected)
	}

	pol, err := e.policyFor(ctx, a.RunID)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("governance: decide: %w", err)
	}

	if !MayDecide(pol, req.Actor.Role, a) {
		reason := fmt.Sprintf("role %q may not decide %s reviews requiring %q", req.Actor.Role, a.MetricType, a.RequiredRole)
		entry, err := e.log.Append(ctx, types.AuditEntry{
			Tenant:     a.Tenant,
			Actor:      req.Actor.String(),
			Action:     ActionDenied,
			SubjectRef: a.ResultID,
			PriorState: types.StatePendingReview,
			NewState:   types.StatePendingReview,
			Reason:     reason,
		}, nil)
		if err != nil {
			return types.AuditEntry{}, fmt.Errorf("governance: audit denial: %w", err)
		}
		slog.Warn("governance: decision denied",
			"tenant", a.Tenant, "approval_id", a.ID, "actor", req.Actor.String(), "required_role", a.RequiredRole)
		e.emit(ctx, entry, notify.Event{
			Type: notify.EventDenied, RunID: a.RunID, ResultID: a.ResultID, ApprovalID: a.ID,
			MetricType: a.MetricType, Actor: req.Actor.String(), RequiredRole: a.RequiredRole,
		})
		return types.AuditEntry{}, fmt.Errorf("%w: %s", ErrUnauthorized, reason)
	}

	decided := a
	now := e.now().UTC()
	decided.State = target
	decided.DecidedBy = req.Actor.String()
	decided.DecidedAt = &now
	decided.DecisionReason = req.Reason

	action := ActionApproved
	if target == types.StateRejected {
		action = ActionRejected
	}
	entry, err := e.transition(ctx, a.Tenant, req.Actor, action,
		&store.Mutation{ResultID: a.ResultID, From: types.StatePendingReview, To: target, Approval: &decided},
		req.Reason)
	if err != nil {
		return types.AuditEntry{}, err
	}
	e.emit(ctx, entry, notify.Event{
		Type: notify.EventDecided, RunID: a.RunID, ResultID: a.ResultID, ApprovalID: a.ID,
		MetricType: a.MetricType, Actor: req.Actor.String(),
	})

	if target == types.StateApproved {
		if err := e.Apply(ctx, a.Tenant, a.ResultID); err != nil {
			// The approval stands; Sweep applies it later.
			slog.Error("governance: apply after approval failed",
				"tenant", a.Tenant, "result_id", a.ResultID, "err", err)
		}
	}
	return entry, nil
}

// Apply moves an AutoApproved or Approved result to Applied.
func (e *Engine) Apply(ctx context.Context, tenant, resultID string) error {
	st, err := store.Read(ctx, e.retry, "state", func(ctx context.Context) (types.State, error) {
		return e.store.State(ctx, resultID)
	})
	if err != nil {
		return fmt.Errorf("governance: apply: %w", err)
	}
	if st != types.StateAutoApproved && st != types.StateApproved {
		return fmt.Errorf("%w: result %s is %s, cannot apply", ErrConflict, resultID, st)
	}
	entry, err := e.transition(ctx, tenant, types.SystemActor, ActionApplied,
		&store.Mutation{ResultID: resultID, From: st, To: types.StateApplied},
		fmt.Sprintf("applied after %s", st))
	if err != nil {
		return err
	}
	e.emit(ctx, entry, notify.Event{Type: notify.EventApplied, ResultID: resultID})
	return nil
}

// MayDecide reports whether role may decide approval request a under pol:
// the role needs approve_metric on the metric type, and must be the
// request's required role unless it holds every permission.
func MayDecide(pol policy.Policy, role string, a types.ApprovalRequest) bool {
	if !pol.Permits(role, policy.ActionApproveMetric, a.MetricType) {
		return false
	}
	return a.RequiredRole == "" || role == a.RequiredRole || pol.Permits(role, "*", "")
}

// transition appends one audit entry carrying m.
func (e *Engine) transition(ctx context.Context, tenant string, actor types.Actor, action string, m *store.Mutation, reason string) (types.AuditEntry, error) {
	entry, err := e.log.Append(ctx, types.AuditEntry{
		Tenant:     tenant,
		Actor:      actor.String(),
		Action:     action,
		SubjectRef: m.ResultID,
		PriorState: m.From,
		NewState:   m.To,
		Reason:     reason,
	}, m)
	if err != nil {
		// A tail that kept moving is a ledger failure, not a state conflict.
		if errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrStaleSequence) {
			return types.AuditEntry{}, fmt.Errorf("%w: %s %s: %w", ErrConflict, action, m.ResultID, err)
		}
		return types.AuditEntry{}, fmt.Errorf("governance: %s %s: %w", action, m.ResultID, err)
	}
	return entry, nil
}

func (e *Engine) emit(ctx context.Context, entry types.AuditEntry, ev notify.Event) {
	ev.Tenant = entry.Tenant
	ev.State = entry.NewState
	ev.Sequence = entry.Sequence
	ev.Timestamp = entry.Timestamp
	if ev.Actor == "" {
		ev.Actor = entry.Actor
	}
	if ev.Reason == "" {
		ev.Reason = entry.Reason
	}
	e.emitter.Emit(ctx, ev)
}

// policyFor loads the policy snapshot bound to a run.
func (e *Engine) policyFor(ctx context.Context, runID string) (policy.Policy, error) {
	run, err := store.Read(ctx, e.retry, "get run", func(ctx context.Context) (types.Run, error) {
		return e.store.GetRun(ctx, runID)
	})
	if err != nil {
		return policy.Policy{}, err
	}
	return store.Read(ctx, e.retry, "get policy", func(ctx context.Context) (policy.Policy, error) {
		return e.store.GetPolicy(ctx, run.PolicyDigest)
	})
}
