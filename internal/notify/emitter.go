package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Event types.
const (
	EventReviewRequested = "review_requested"
	EventAutoApproved    = "auto_approved"
	EventDecided         = "decided"
	EventDenied          = "decision_denied"
	EventApplied         = "applied"
	EventExpired         = "expired"
	EventEscalated       = "escalated"
	EventRunCompleted    = "run_completed"
)

// Event describes one governance occurrence.
type Event struct {
	Type         string           `json:"type"`
	Tenant       string           `json:"tenant"`
	RunID        string           `json:"run_id,omitempty"`
	ResultID     string           `json:"result_id,omitempty"`
	ApprovalID   string           `json:"approval_id,omitempty"`
	MetricType   types.MetricType `json:"metric_type,omitempty"`
	State        types.State      `json:"state,omitempty"`
	RequiredRole string           `json:"required_role,omitempty"`
	Actor        string           `json:"actor,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Sequence     uint64           `json:"audit_sequence_no,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Emitter delivers events. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Event) {}

// LogEmitter writes events to a slog.Logger.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter returns an emitter logging to l, or to slog.Default when l
// is nil.
func NewLogEmitter(l *slog.Logger) *LogEmitter {
	if l == nil {
		l = slog.Default()
	}
	return &LogEmitter{logger: l}
}

// Emit logs e at info level.
func (l *LogEmitter) Emit(ctx context.Context, e Event) {
	l.logger.InfoContext(ctx, "notify: governance event",
		"type", e.Type,
		"tenant", e.Tenant,
		"result_id", e.ResultID,
		"approval_id", e.ApprovalID,
		"state", e.State,
		"actor", e.Actor,
		"seq", e.Sequence,
	)
}

// MultiEmitter fans events out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an emitter delivering to every non-nil emitter in es.
func NewMultiEmitter(es ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range es {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit delivers e to every emitter.
func (m *MultiEmitter) Emit(ctx context.Context, e Event) {
	for _, em := range m.emitters {
		em.Emit(ctx, e)
	}
}
