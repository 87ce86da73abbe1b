package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/moatmetrics/moatmetrics/internal/analytics"
	"github.com/moatmetrics/moatmetrics/internal/config"
	"github.com/moatmetrics/moatmetrics/internal/entity"
	"github.com/moatmetrics/moatmetrics/internal/notify"
	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/internal/store"
)

const webhookTimeout = 10 * time.Second

// app holds everything a command needs.
type app struct {
	cfg     *config.Config
	store   store.Store
	svc     *analytics.Service
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			slog.Error("moatmetrics: close store", "err", err)
		}
	})

	em, err := a.emitter(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.svc = analytics.New(st, entity.FileSource{Path: cfg.Ingestion.BatchFile},
		analytics.WithRetry(cfg.Retry.Store()),
		analytics.WithEmitter(em),
	)
	slog.Debug("moatmetrics: ready",
		"backend", cfg.Storage.Backend, "tenant", cfg.Tenant, "policy_file", cfg.Governance.PolicyFile)
	return a, nil
}

func openStore(c config.StorageConfig) (store.Store, error) {
	if c.Backend == config.BackendSQLite {
		s, err := store.OpenSQLite(c.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	var opts []store.MemoryOption
	if c.Journal != "" {
		j, err := store.OpenJournal(c.Journal)
		if err != nil {
			return nil, err
		}
		opts = append(opts, store.WithJournal(j))
	}
	return store.NewMemory(opts...), nil
}

// emitter builds the configured notification fan-out.
func (a *app) emitter(ctx context.Context) (notify.Emitter, error) {
	n := a.cfg.Notify
	var ems []notify.Emitter

	if n.Log {
		ems = append(ems, notify.NewLogEmitter(slog.Default()))
	}

	if n.PubSub.Enabled() {
		client, err := pubsub.NewClient(ctx, n.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		pe, err := notify.NewPubSubEmitter(client, n.PubSub.Topic)
		if err != nil {
			client.Close() //nolint:errcheck
			return nil, err
		}
		a.closers = append(a.closers, func() {
			pe.Stop()
			client.Close() //nolint:errcheck
		})
		ems = append(ems, pe)
		slog.Info("moatmetrics: publishing governance events",
			"project", n.PubSub.ProjectID, "topic", n.PubSub.Topic)
	}

	var targets []notify.Target
	for _, wh := range n.Webhooks {
		t := wh.Target()
		if t.URL == "" {
			slog.Warn("moatmetrics: webhook url not set, skipping", "type", wh.Type, "url_env", wh.URLEnv)
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) > 0 {
		we := notify.NewWebhookEmitter(targets, &http.Client{Timeout: webhookTimeout})
		a.closers = append(a.closers, we.Close)
		ems = append(ems, we)
	}

	return notify.NewMultiEmitter(ems...), nil
}

// policy loads the configured policy file, or the built-in default.
func (a *app) policy() (policy.Policy, error) {
	if a.cfg.Governance.PolicyFile == "" {
		return policy.Default(), nil
	}
	return policy.Load(a.cfg.Governance.PolicyFile)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) execute(ctx context.Context, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return a.cmdRun(ctx, rest, out)
	case "results":
		return a.cmdResults(ctx, rest, out)
	case "summary":
		return a.cmdSummary(ctx, rest, out)
	case "pending":
		return a.cmdPending(ctx, rest, out)
	case "decide":
		return a.cmdDecide(ctx, rest, out)
	case "audit":
		return a.cmdAudit(ctx, rest, out)
	case "sweep":
		return a.cmdSweep(ctx, rest, out)
	case "metrics":
		return a.cmdMetrics(ctx, rest, out)
	case "policy-check":
		return a.cmdPolicyCheck(rest, out)
	case "daemon":
		return a.cmdDaemon(ctx, rest)
	}
	return fmt.Errorf("unknown command %q", cmd)
}
