package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/moatmetrics/moatmetrics/internal/analytics"
	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/internal/store"
	"github.com/moatmetrics/moatmetrics/internal/telemetry"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

const day = 24 * time.Hour

func (a *app) cmdRun(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	tenant := fs.String("tenant", a.cfg.Tenant, "tenant to compute for")
	from := fs.String("from", "", "window start, YYYY-MM-DD inclusive (default: trailing daemon.window)")
	to := fs.String("to", "", "window end, YYYY-MM-DD exclusive (default: today)")
	metrics := fs.String("metrics", "", "comma-separated metric types; empty means all")
	actorID := fs.String("actor", types.SystemActor.ID, "actor id")
	role := fs.String("role", types.SystemActor.Role, "actor role")
	if err := fs.Parse(args); err != nil {
		return err
	}

	w, err := parseWindow(*from, *to, time.Now(), a.cfg.Daemon.Window)
	if err != nil {
		return err
	}
	pol, err := a.policy()
	if err != nil {
		return err
	}
	runID, err := a.svc.Run(ctx, analytics.RunRequest{
		Tenant:      *tenant,
		Window:      w,
		MetricTypes: parseMetricTypes(*metrics),
		Policy:      pol,
		Actor:       types.Actor{ID: *actorID, Role: *role},
	})
	if err != nil {
		return err
	}
	sum, err := a.svc.Summary(ctx, runID)
	if err != nil {
		return err
	}
	return writeJSON(out, sum)
}

func (a *app) cmdResults(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("results", flag.ContinueOnError)
	runID := fs.String("run", "", "run id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("results: -run is required")
	}
	views, err := a.svc.Results(ctx, *runID)
	if err != nil {
		return err
	}
	return writeJSON(out, views)
}

func (a *app) cmdSummary(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	runID := fs.String("run", "", "run id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("summary: -run is required")
	}
	sum, err := a.svc.Summary(ctx, *runID)
	if err != nil {
		return err
	}
	return writeJSON(out, sum)
}

func (a *app) cmdPending(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	role := fs.String("role", "", "only requests this role may decide; empty lists all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pending, err := a.svc.PendingApprovals(ctx, *role)
	if err != nil {
		return err
	}
	return writeJSON(out, pending)
}

func (a *app) cmdDecide(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	approvalID := fs.String("approval", "", "approval request id (required)")
	actorID := fs.String("actor", "", "reviewer id (required)")
	role := fs.String("role", policy.DefaultReviewerRole, "reviewer role")
	decision := fs.String("decision", "", "approve | reject (required)")
	reason := fs.String("reason", "", "free-text reason recorded in the audit entry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *approvalID == "" || *actorID == "" || *decision == "" {
		return errors.New("decide: -approval, -actor and -decision are required")
	}
	entry, err := a.svc.Decide(ctx, *approvalID, types.Actor{ID: *actorID, Role: *role},
		types.Decision(*decision), *reason)
	if err != nil {
		return err
	}
	return writeJSON(out, entry)
}

func (a *app) cmdAudit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	tenant := fs.String("tenant", a.cfg.Tenant, "tenant ledger to read")
	actor := fs.String("actor", "", "filter by actor")
	action := fs.String("action", "", "filter by action")
	subject := fs.String("subject", "", "filter by subject (result or run id)")
	since := fs.String("since", "", "entries at or after this RFC 3339 time")
	until := fs.String("until", "", "entries before this RFC 3339 time")
	offset := fs.Int("offset", 0, "skip this many entries")
	limit := fs.Int("limit", 0, "return at most this many entries; 0 means all")
	verify := fs.Bool("verify", false, "verify the tenant's hash chain instead of listing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *verify {
		n, err := a.svc.VerifyAudit(ctx, *tenant)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]any{"tenant": *tenant, "entries": n, "verified": true})
	}

	f := store.AuditFilter{
		Tenant: *tenant, Actor: *actor, Action: *action, SubjectRef: *subject,
		Offset: *offset, Limit: *limit,
	}
	var err error
	if f.Since, err = parseTime(*since); err != nil {
		return fmt.Errorf("audit: -since: %w", err)
	}
	if f.Until, err = parseTime(*until); err != nil {
		return fmt.Errorf("audit: -until: %w", err)
	}
	entries, err := a.svc.Audit(ctx, f)
	if err != nil {
		return err
	}
	return writeJSON(out, entries)
}

func (a *app) cmdSweep(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rep, err := a.svc.Sweep(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, rep)
}

func (a *app) cmdMetrics(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	runID := fs.String("run", "", "run id (required)")
	file := fs.String("out", "", "write a .prom file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("metrics: -run is required")
	}
	snap, err := a.svc.Telemetry(ctx, *runID)
	if err != nil {
		return err
	}
	fams := telemetry.Build(snap)
	if *file != "" {
		return telemetry.WriteFile(*file, fams)
	}
	return telemetry.Write(out, fams)
}

// policyReport is the policy-check output.
type policyReport struct {
	File       string          `json:"file,omitempty"`
	Version    string          `json:"version"`
	Digest     string          `json:"digest"`
	Threshold  float64         `json:"confidence_threshold"`
	Roles      []string        `json:"roles"`
	Compliance []policy.Report `json:"compliance"`
	Compliant  bool            `json:"compliant"`
}

func (a *app) cmdPolicyCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("policy-check", flag.ContinueOnError)
	file := fs.String("file", a.cfg.Governance.PolicyFile, "policy file; empty checks the built-in default")
	framework := fs.String("framework", "", "GDPR | HIPAA | SOC2; empty checks the policy's compliance_flags")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pol := policy.Default()
	if *file != "" {
		var err error
		if pol, err = policy.Load(*file); err != nil {
			return err
		}
	}

	var reports []policy.Report
	if *framework != "" {
		r, err := pol.CheckCompliance(*framework)
		if err != nil {
			return err
		}
		reports = []policy.Report{r}
	} else {
		var err error
		if reports, err = pol.CheckAll(); err != nil {
			return err
		}
	}

	rep := policyReport{
		File:       *file,
		Version:    pol.Version,
		Digest:     pol.Digest(),
		Threshold:  pol.ConfidenceThreshold,
		Roles:      pol.RoleNames(),
		Compliance: reports,
		Compliant:  true,
	}
	for _, r := range reports {
		if !r.Compliant {
			rep.Compliant = false
		}
	}
	return writeJSON(out, rep)
}

// parseWindow parses a YYYY-MM-DD window. A missing end defaults to today
// (UTC midnight); a missing start to end minus trailing.
func parseWindow(from, to string, now time.Time, trailing time.Duration) (types.Window, error) {
	var w types.Window
	if to == "" {
		w.To = now.UTC().Truncate(day)
	} else {
		t, err := time.Parse(time.DateOnly, to)
		if err != nil {
			return types.Window{}, fmt.Errorf("-to: %w", err)
		}
		w.To = t
	}
	if from == "" {
		w.From = w.To.Add(-trailing)
	} else {
		t, err := time.Parse(time.DateOnly, from)
		if err != nil {
			return types.Window{}, fmt.Errorf("-from: %w", err)
		}
		w.From = t
	}
	return w, nil
}

// trailingWindow is the window of the given length ending today.
func trailingWindow(now time.Time, length time.Duration) types.Window {
	w, _ := parseWindow("", "", now, length)
	return w
}

func parseMetricTypes(s string) []types.MetricType {
	var out []types.MetricType
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, types.MetricType(part))
		}
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
