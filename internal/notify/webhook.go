package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// webhookQueue bounds the deliveries waiting for the worker. Events emitted
// while it is full are dropped.
const webhookQueue = 256

// Webhook target types.
const (
	WebhookSlack = "slack"
	WebhookTeams = "teams"
	WebhookHTTP  = "http"
)

// Target is one webhook destination with its URL already resolved.
type Target struct {
	Type string
	URL  string
	// Events restricts delivery to these event types; empty means all.
	Events []string
}

func (t Target) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookEmitter posts events to Slack, Teams or plain HTTP endpoints from a
// background worker, so Emit never waits on the network.
type WebhookEmitter struct {
	targets []Target
	client  *http.Client

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	done   chan struct{}
}

type delivery struct {
	ctx context.Context
	e   Event
}

// NewWebhookEmitter returns an emitter for targets and starts its worker.
// Targets with an empty URL are skipped. Close stops the worker.
func NewWebhookEmitter(targets []Target, client *http.Client) *WebhookEmitter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	var ts []Target
	for _, t := range targets {
		if t.URL != "" {
			ts = append(ts, t)
		}
	}
	w := &WebhookEmitter{
		targets: ts,
		client:  client,
		queue:   make(chan delivery, webhookQueue),
		done:    make(chan struct{}),
	}
	go w.work()
	return w
}

// Emit queues e for delivery and returns immediately. The caller's
// cancellation does not abort a queued delivery; the client timeout bounds
// it instead.
func (w *WebhookEmitter) Emit(ctx context.Context, e Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		slog.Warn("notify: webhook emitter closed, dropping event", "event", e.Type)
		return
	}
	select {
	case w.queue <- delivery{ctx: context.WithoutCancel(ctx), e: e}:
	default:
		slog.Warn("notify: webhook queue full, dropping event", "event", e.Type, "tenant", e.Tenant)
	}
}

// Close delivers what is already queued and stops the worker. Later events
// are dropped.
func (w *WebhookEmitter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *WebhookEmitter) work() {
	defer close(w.done)
	for d := range w.queue {
		w.deliver(d.ctx, d.e)
	}
}

// deliver posts e to every target that wants it. Errors are logged.
func (w *WebhookEmitter) deliver(ctx context.Context, e Event) {
	for _, t := range w.targets {
		if !t.wants(e.Type) {
			continue
		}
		var err error
		switch t.Type {
		case WebhookSlack:
			err = w.sendSlack(ctx, t.URL, e)
		case WebhookTeams:
			err = w.sendTeams(ctx, t.URL, e)
		case WebhookHTTP:
			err = w.sendHTTP(ctx, t.URL, e)
		default:
			slog.Warn("notify: unknown webhook type, skipping", "type", t.Type)
			continue
		}
		if err != nil {
			slog.Error("notify: webhook delivery failed", "type", t.Type, "event", e.Type, "err", err)
		} else {
			slog.Debug("notify: webhook delivered", "type", t.Type, "event", e.Type)
		}
	}
}

func (w *WebhookEmitter) sendSlack(ctx context.Context, url string, e Event) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", eventLabel(e.Type), message(e)),
	})
	return w.post(ctx, url, body)
}

func (w *WebhookEmitter) sendTeams(ctx context.Context, url string, e Event) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": eventColor(e.Type),
		"summary":    e.Type,
		"title":      fmt.Sprintf("MoatMetrics: %s", e.Type),
		"text":       message(e),
	}
	body, _ := json.Marshal(payload)
	return w.post(ctx, url, body)
}

func (w *WebhookEmitter) sendHTTP(ctx context.Context, url string, e Event) error {
	body, _ := json.Marshal(map[string]interface{}{"event": e})
	return w.post(ctx, url, body)
}

func (w *WebhookEmitter) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func message(e Event) string {
	switch e.Type {
	case EventReviewRequested:
		return fmt.Sprintf("%s result %s in tenant %s needs review by role %s (approval %s)",
			e.MetricType, e.ResultID, e.Tenant, e.RequiredRole, e.ApprovalID)
	case EventEscalated:
		return fmt.Sprintf("approval %s in tenant %s escalated to role %s", e.ApprovalID, e.Tenant, e.RequiredRole)
	case EventExpired:
		return fmt.Sprintf("approval %s in tenant %s expired without a decision", e.ApprovalID, e.Tenant)
	case EventDecided:
		return fmt.Sprintf("approval %s in tenant %s: %s by %s", e.ApprovalID, e.Tenant, e.State, e.Actor)
	case EventDenied:
		return fmt.Sprintf("%s was denied a decision on approval %s in tenant %s", e.Actor, e.ApprovalID, e.Tenant)
	case EventRunCompleted:
		return fmt.Sprintf("run %s in tenant %s completed", e.RunID, e.Tenant)
	default:
		return fmt.Sprintf("result %s in tenant %s is %s", e.ResultID, e.Tenant, e.State)
	}
}

func eventLabel(t string) string {
	switch t {
	case EventDenied, EventExpired:
		return "[WARNING]"
	case EventReviewRequested, EventEscalated:
		return "[REVIEW]"
	default:
		return "[INFO]"
	}
}

func eventColor(t string) string {
	switch t {
	case EventDenied, EventExpired:
		return "FFAB40"
	case EventReviewRequested, EventEscalated:
		return "00D4FF"
	default:
		return "3FB950"
	}
}
