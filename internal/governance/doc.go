// Package governance drives each metric result through its approval state
// machine:
//
//	Computed ─┬─> AutoApproved ──────────────┐
//	          └─> PendingReview ─┬─> Approved ┴─> Applied
//	                             ├─> Rejected
//	                             └─> Expired   (only with a review_expiry rule)
//
// Every transition is a single audit.Log.Append carrying the state
// mutation, so a state is never visible without its audit entry. Transitions
// are optimistic: the expected prior state is compared inside the storage
// transaction and a mismatch returns ErrConflict without side effects. The
// store's (result, target state) idempotency key makes a transition happen
// at most once under concurrent reviewers.
//
// Decisions are authorised against the policy snapshot of the result's run,
// not the current policy file. A denied attempt is itself audited.
package governance
