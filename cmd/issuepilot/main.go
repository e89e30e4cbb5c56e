// Command issuepilot polls a GitHub repository and walks labeled work
// items through a fixed pipeline: backlog, ready, in progress, in review,
// done. Progress is recorded in each issue's body and every transition is
// appended to a local audit log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"issuepilot/pkg/config"
	"issuepilot/pkg/github"
	"issuepilot/pkg/logx"
	"issuepilot/pkg/metrics"
	"issuepilot/pkg/poller"
	"issuepilot/pkg/translog"
)

var version = "dev"

func main() {
	var (
		configPath  string
		repo        string
		once        bool
		metricsAddr string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "issuepilot.json", "Path to config file")
	flag.StringVar(&repo, "repo", "", "owner/repo to operate on (overrides config)")
	flag.BoolVar(&once, "once", false, "Run a single poll cycle and exit")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /metrics and /healthz (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("issuepilot %s\n", version)
		return
	}

	if path := os.Getenv("ISSUEPILOT_CONFIG"); configPath == "issuepilot.json" && path != "" {
		configPath = path
	}

	logger := logx.NewLogger("main")
	if err := run(logger, configPath, repo, metricsAddr, once); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(logger *logx.Logger, configPath, repoOverride, metricsAddr string, once bool) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	repo := cfg.Repo
	if repoOverride != "" {
		repo = repoOverride
	}
	owner, name, err := github.SplitRepoPath(repo)
	if err != nil {
		return err
	}
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}

	if err := github.CheckAuth(context.Background()); err != nil {
		return fmt.Errorf("gh auth check: %w", err)
	}

	store, err := translog.Open(cfg.TransitionLogPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	mets := metrics.New()
	client := github.NewClient(owner, name).
		WithRetryObserver(func(string) { mets.APIRetries.Inc() })
	engine := poller.NewEngine(client, loader, store, mets)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if metricsAddr != "" {
		go func() {
			if err := mets.Serve(ctx, metricsAddr); err != nil {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	logger.Info("issuepilot %s polling %s every %s", version, repo, cfg.PollInterval())

	if once {
		result, err := engine.Cycle(ctx)
		if err != nil {
			return err
		}
		logger.Info("cycle complete: %s", result)
		return nil
	}

	err = engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}
