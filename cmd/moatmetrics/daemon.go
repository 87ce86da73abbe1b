package main

import (
	"context"
	"flag"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/moatmetrics/moatmetrics/internal/analytics"
	"github.com/moatmetrics/moatmetrics/internal/config"
	"github.com/moatmetrics/moatmetrics/internal/governance"
	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/internal/telemetry"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// cmdDaemon runs a trailing-window analytics run every daemon.interval,
// followed by an expiry sweep and, when configured, a metrics export. Policy
// file changes apply from the next cycle on.
func (a *app) cmdDaemon(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single cycle and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pol, err := a.policy()
	if err != nil {
		return err
	}
	var current atomic.Pointer[policy.Policy]
	current.Store(&pol)

	if path := a.cfg.Governance.PolicyFile; path != "" && !*once {
		go func() {
			err := config.WatchFile(ctx, path, func() error {
				p, err := policy.Load(path)
				if err != nil {
					return err
				}
				current.Store(&p)
				slog.Info("moatmetrics: policy reloaded", "digest", p.Digest(), "version", p.Version)
				return nil
			})
			if err != nil {
				slog.Error("moatmetrics: policy watcher stopped", "err", err)
			}
		}()
	}

	d := a.cfg.Daemon
	actor := types.SystemActor
	if d.Actor != "" {
		actor.ID = d.Actor
	}
	slog.Info("moatmetrics: daemon starting",
		"tenant", a.cfg.Tenant, "interval", d.Interval, "window", d.Window, "policy", pol.Digest())

	a.cycle(ctx, time.Now(), *current.Load(), actor)
	if *once {
		return nil
	}

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("moatmetrics: daemon shutting down")
			return nil
		case t := <-ticker.C:
			a.cycle(ctx, t, *current.Load(), actor)
		}
	}
}

// cycle runs one scheduled pass. Failures are logged; the next tick retries.
func (a *app) cycle(ctx context.Context, now time.Time, pol policy.Policy, actor types.Actor) {
	runID, err := a.svc.Run(ctx, analytics.RunRequest{
		Tenant: a.cfg.Tenant,
		Window: trailingWindow(now, a.cfg.Daemon.Window),
		Policy: pol,
		Actor:  actor,
	})
	if err != nil {
		slog.Error("moatmetrics: scheduled run failed", "tenant", a.cfg.Tenant, "run_id", runID, "err", err)
		runID = ""
	}

	rep, err := a.svc.Sweep(ctx)
	if err != nil {
		slog.Error("moatmetrics: sweep failed", "err", err)
	} else if rep != (governance.SweepReport{}) {
		slog.Info("moatmetrics: sweep",
			"routed", rep.Routed, "expired", rep.Expired, "escalated", rep.Escalated, "applied", rep.Applied, "skipped", rep.Skipped)
	}

	if runID == "" || a.cfg.Metrics.Out == "" {
		return
	}
	snap, err := a.svc.Telemetry(ctx, runID)
	if err != nil {
		slog.Error("moatmetrics: telemetry snapshot failed", "run_id", runID, "err", err)
		return
	}
	if err := telemetry.WriteFile(a.cfg.Metrics.Out, telemetry.Build(snap)); err != nil {
		slog.Error("moatmetrics: metrics export failed", "path", a.cfg.Metrics.Out, "err", err)
	}
}
