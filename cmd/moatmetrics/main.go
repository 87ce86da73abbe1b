package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/moatmetrics/moatmetrics/internal/config"
)

const usageText = `usage: moatmetrics [-config file] <command> [flags]

commands:
  run           compute metrics for a window and route results through governance
  results       list the results of a run with their governance state
  summary       aggregate the results of a run
  pending       list open approval requests
  decide        approve or reject an approval request
  audit         read (or -verify) the audit ledger
  sweep         apply review-expiry rules and finish interrupted applies
  metrics       export a run's governance state in Prometheus text format
  policy-check  validate a policy file and report compliance
  daemon        run on a schedule with policy hot reload
`

func main() {
	configPath := flag.String("config", "", "path to config file; empty uses built-in defaults")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usageText) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Args()); err != nil {
		slog.Error("moatmetrics: command failed", "command", flag.Arg(0), "err", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	// Logs go to stderr so command output on stdout stays machine-readable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.execute(ctx, args, os.Stdout)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
