// Package notify publishes governance events to interested parties.
//
// Emitters are best-effort: the audit ledger is the record of what
// happened, so a failed delivery is logged and never fails the transition
// that produced the event. Available emitters:
//
//   - LogEmitter: one structured slog line per event.
//   - PubSubEmitter: JSON messages on a Google Cloud Pub/Sub topic.
//   - WebhookEmitter: Slack, Microsoft Teams or generic HTTP POST.
//   - MultiEmitter: fan-out to several emitters.
package notify
