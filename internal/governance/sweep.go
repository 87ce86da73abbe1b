package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/moatmetrics/moatmetrics/internal/notify"
	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/internal/store"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Pending is an open approval request as seen by a reviewer.
type Pending struct {
	types.ApprovalRequest
	// Waiting is how long the request has been open.
	Waiting time.Duration `json:"waiting"`
}

// Pending lists open requests of tenant (all tenants when empty) that role
// may decide, oldest first. An empty role lists every open request.
func (e *Engine) Pending(ctx context.Context, tenant, role string) ([]Pending, error) {
	open, err := store.Read(ctx, e.retry, "list approvals", func(ctx context.Context) ([]types.ApprovalRequest, error) {
		return e.store.ListApprovals(ctx, store.ApprovalFilter{Tenant: tenant, State: types.StatePendingReview})
	})
	if err != nil {
		return nil, fmt.Errorf("governance: pending: %w", err)
	}

	now := e.now()
	policies := newPolicyCache(e)
	out := make([]Pending, 0, len(open))
	for _, a := range open {
		if role != "" {
			pol, err := policies.get(ctx, a.RunID)
			if err != nil {
				return nil, fmt.Errorf("governance: pending: %w", err)
			}
			if !MayDecide(pol, role, a) {
				continue
			}
		}
		out = append(out, Pending{ApprovalRequest: a, Waiting: now.Sub(a.CreatedAt)})
	}
	return out, nil
}

// routeGrace is how long a result may sit in Computed before Sweep routes it.
// Runs route their own results well within it.
const routeGrace = time.Minute

// SweepReport counts what one Sweep changed.
type SweepReport struct {
	// Routed counts results a failed run left in Computed.
	Routed    int `json:"routed"`
	Expired   int `json:"expired"`
	Escalated int `json:"escalated"`
	Applied   int `json:"applied"`
	// Skipped counts items a concurrent writer got to first.
	Skipped int `json:"skipped"`
}

// Sweep routes results left in Computed for longer than routeGrace under
// their run's policy snapshot, applies the review-expiry rule of each open
// request's policy and applies approved results whose Applied transition did
// not happen. Requests whose policy has no expiry rule stay open
// indefinitely. Nothing is ever rejected automatically.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := e.now().UTC()
	policies := newPolicyCache(e)

	if err := e.routeStragglers(ctx, now, policies, &rep); err != nil {
		return rep, err
	}

	open, err := store.Read(ctx, e.retry, "list approvals", func(ctx context.Context) ([]types.ApprovalRequest, error) {
		return e.store.ListApprovals(ctx, store.ApprovalFilter{State: types.StatePendingReview})
	})
	if err != nil {
		return rep, fmt.Errorf("governance: sweep: %w", err)
	}
	for _, a := range open {
		pol, err := policies.get(ctx, a.RunID)
		if err != nil {
			return rep, fmt.Errorf("governance: sweep: %w", err)
		}
		rule := pol.ReviewExpiry
		if !rule.Enabled() {
			continue
		}
		deadline := a.CreatedAt.Add(rule.After)
		if a.ExpiresAt != nil {
			deadline = *a.ExpiresAt
		}
		if now.Before(deadline) {
			continue
		}

		switch rule.Action {
		case policy.ExpiryExpire:
			err = e.expire(ctx, a, rule)
			if err == nil {
				rep.Expired++
			}
		case policy.ExpiryEscalate:
			if a.Escalated {
				continue
			}
			err = e.escalate(ctx, a, rule)
			if err == nil {
				rep.Escalated++
			}
		}
		switch {
		case errors.Is(err, ErrConflict):
			rep.Skipped++
		case err != nil:
			return rep, err
		}
	}

	approved, err := store.Read(ctx, e.retry, "list approvals", func(ctx context.Context) ([]types.ApprovalRequest, error) {
		return e.store.ListApprovals(ctx, store.ApprovalFilter{State: types.StateApproved})
	})
	if err != nil {
		return rep, fmt.Errorf("governance: sweep: %w", err)
	}
	for _, a := range approved {
		st, err := store.Read(ctx, e.retry, "state", func(ctx context.Context) (types.State, error) {
			return e.store.State(ctx, a.ResultID)
		})
		if err != nil {
			return rep, fmt.Errorf("governance: sweep: %w", err)
		}
		if st != types.StateApproved {
			continue
		}
		switch err := e.Apply(ctx, a.Tenant, a.ResultID); {
		case err == nil:
			rep.Applied++
		case errors.Is(err, ErrConflict):
			rep.Skipped++
		default:
			return rep, err
		}
	}

	if rep != (SweepReport{}) {
		slog.Info("governance: sweep complete",
			"routed", rep.Routed, "expired", rep.Expired, "escalated", rep.Escalated, "applied", rep.Applied, "skipped", rep.Skipped)
	}
	return rep, nil
}

func (e *Engine) routeStragglers(ctx context.Context, now time.Time, policies *policyCache, rep *SweepReport) error {
	computed, err := store.Read(ctx, e.retry, "list computed", func(ctx context.Context) ([]types.ScoredResult, error) {
		return e.store.ListResultsByState(ctx, types.StateComputed)
	})
	if err != nil {
		return fmt.Errorf("governance: sweep: %w", err)
	}
	runs := make(map[string]types.Run)
	for _, sr := range computed {
		if sr.Result.ComputedAt.After(now.Add(-routeGrace)) {
			continue
		}
		run, ok := runs[sr.Result.RunID]
		if !ok {
			run, err = store.Read(ctx, e.retry, "get run", func(ctx context.Context) (types.Run, error) {
				return e.store.GetRun(ctx, sr.Result.RunID)
			})
			if err != nil {
				return fmt.Errorf("governance: sweep: %w", err)
			}
			runs[run.ID] = run
		}
		pol, err := policies.get(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("governance: sweep: %w", err)
		}
		switch _, err := e.Route(ctx, run, pol, sr); {
		case err == nil:
			rep.Routed++
		case errors.Is(err, ErrConflict):
			rep.Skipped++
		default:
			return err
		}
	}
	return nil
}

func (e *Engine) expire(ctx context.Context, a types.ApprovalRequest, rule policy.ReviewExpiry) error {
	next := a
	next.State = types.StateExpired
	entry, err := e.transition(ctx, a.Tenant, types.SystemActor, ActionExpired,
		&store.Mutation{ResultID: a.ResultID, From: types.StatePendingReview, To: types.StateExpired, Approval: &next},
		fmt.Sprintf("no decision within %s", rule.After))
	if err != nil {
		return err
	}
	e.emit(ctx, entry, notify.Event{
		Type: notify.EventExpired, RunID: a.RunID, ResultID: a.ResultID, ApprovalID: a.ID, MetricType: a.MetricType,
	})
	return nil
}

func (e *Engine) escalate(ctx context.Context, a types.ApprovalRequest, rule policy.ReviewExpiry) error {
	next := a
	next.RequiredRole = rule.EscalateTo
	next.Escalated = true
	next.ExpiresAt = nil
	entry, err := e.transition(ctx, a.Tenant, types.SystemActor, ActionEscalated,
		&store.Mutation{ResultID: a.ResultID, From: types.StatePendingReview, To: types.StatePendingReview, Approval: &next},
		fmt.Sprintf("no decision within %s; escalated from %q to %q", rule.After, a.RequiredRole, rule.EscalateTo))
	if err != nil {
		return err
	}
	e.emit(ctx, entry, notify.Event{
		Type: notify.EventEscalated, RunID: a.RunID, ResultID: a.ResultID, ApprovalID: a.ID,
		MetricType: a.MetricType, RequiredRole: rule.EscalateTo,
	})
	return nil
}

// policyCache memoises run policy snapshots for one listing.
type policyCache struct {
	e     *Engine
	byRun map[string]policy.Policy
}

func newPolicyCache(e *Engine) *policyCache {
	return &policyCache{e: e, byRun: make(map[string]policy.Policy)}
}

func (c *policyCache) get(ctx context.Context, runID string) (policy.Policy, error) {
	if p, ok := c.byRun[runID]; ok {
		return p, nil
	}
	p, err := c.e.policyFor(ctx, runID)
	if err != nil {
		return policy.Policy{}, err
	}
	c.byRun[runID] = p
	return p, nil
}
