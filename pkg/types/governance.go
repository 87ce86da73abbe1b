package types

import "time"

// State is a node of the per-result governance state machine.
type State string

const (
	StateComputed      State = "Computed"
	StateAutoApproved  State = "AutoApproved"
	StatePendingReview State = "PendingReview"
	StateApproved      State = "Approved"
	StateRejected      State = "Rejected"
	StateApplied       State = "Applied"
	// StateExpired is reached only when policy defines a review-expiry rule.
	StateExpired State = "Expired"
)

// Final reports whether a result in state s counts as final output.
func (s State) Final() bool {
	switch s {
	case StateAutoApproved, StateApproved, StateApplied:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateApplied, StateExpired:
		return true
	}
	return false
}

// Decision is a reviewer's verdict on a pending result.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Target returns the state a decision transitions into.
func (d Decision) Target() (State, bool) {
	switch d {
	case DecisionApprove:
		return StateApproved, true
	case DecisionReject:
		return StateRejected, true
	}
	return "", false
}

// Actor identifies who performed an action.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// SystemActor performs automatic transitions.
var SystemActor = Actor{ID: "system", Role: "system"}

// String renders the actor as recorded in audit entries.
func (a Actor) String() string {
	if a.Role == "" {
		return a.ID
	}
	return a.ID + "@" + a.Role
}

// ApprovalRequest is a pending or decided human review of one result.
type ApprovalRequest struct {
	ID             string     `json:"id"`
	ResultID       string     `json:"result_id"`
	RunID          string     `json:"run_id"`
	Tenant         string     `json:"tenant"`
	MetricType     MetricType `json:"metric_type"`
	State          State      `json:"state"`
	RequiredRole   string     `json:"required_role"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Escalated      bool       `json:"escalated,omitempty"`
	DecidedBy      string     `json:"decided_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`
}

// AuditEntry is one immutable record in a tenant's audit ledger.
type AuditEntry struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Sequence   uint64    `json:"sequence_no"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	SubjectRef string    `json:"subject_ref"`
	Timestamp  time.Time `json:"timestamp"`
	PriorState State     `json:"prior_state,omitempty"`
	NewState   State     `json:"new_state,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}
