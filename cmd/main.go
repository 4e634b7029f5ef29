package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jglowsoap/jimini/internal/audit"
	"github.com/jglowsoap/jimini/internal/config"
	"github.com/jglowsoap/jimini/internal/engine"
	"github.com/jglowsoap/jimini/internal/expr"
	"github.com/jglowsoap/jimini/internal/forward"
	"github.com/jglowsoap/jimini/internal/logging"
	"github.com/jglowsoap/jimini/internal/metrics"
	"github.com/jglowsoap/jimini/internal/rules"
	"github.com/jglowsoap/jimini/internal/server"
)

const version = "0.4.0"

func main() {
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "verify":
			os.Exit(runVerify(args[1:]))
		case "lint":
			os.Exit(runLint(args[1:]))
		case "serve":
			args = args[1:]
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q (expected serve, verify, or lint)\n", args[0])
			os.Exit(2)
		}
	}
	os.Exit(runServe(args))
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("config", "", "path to server configuration file")
	envPrefix := fs.String("env-prefix", "JIMINI", "environment variable prefix")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		return 1
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Printf("failed to configure logger: %v", err)
		return 1
	}

	celEnv, err := expr.NewEnvironment()
	if err != nil {
		logger.Error("cannot build expression environment", slog.Any("error", err))
		return 1
	}

	store := rules.NewStore(logger, celEnv, cfg.Server.Rules.RulesFile)
	if cfg.Server.Rules.RulesFile != "" {
		if err := store.Load(); err != nil {
			// The empty snapshot serves until a valid document lands; health
			// carries the load error so operators can see why.
			logger.Error("initial rule load failed", slog.Any("error", err))
		}
	} else {
		logger.Warn("no rules file configured, serving empty snapshot")
	}

	hasher := audit.NewHasher(cfg.Audit.HashAlgo)
	signer, err := audit.NewSigner(cfg.Audit)
	if err != nil {
		// Signing failures fall back to unsigned records; the chain stays intact.
		logger.Warn("audit signing disabled", slog.Any("error", err))
		signer = nil
	}

	chain, err := audit.Open(cfg.Audit.LogPath, hasher, signer, logger)
	if err != nil {
		logger.Error("cannot open audit chain", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := chain.Close(); err != nil {
			logger.Error("audit chain close failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	var sinks []forward.Sink
	for _, sinkCfg := range cfg.Forwarder.Sinks {
		sink, err := forward.NewSink(sinkCfg)
		if err != nil {
			logger.Error("skipping misconfigured sink", slog.String("sink", sinkCfg.Name), slog.Any("error", err))
			continue
		}
		sinks = append(sinks, sink)
	}
	breakers := forward.NewBreakerManager(cfg.Forwarder.Breaker)
	dlq := forward.NewDeadLetterQueue(cfg.Forwarder.DeadLetterPath, logger)
	forwarder := forward.New(logger, cfg.Forwarder, sinks, breakers, dlq, recorder)
	forwarder.Start(ctx)
	defer forwarder.Stop()

	var classifier engine.Classifier
	if cfg.Classifier.URL != "" {
		classifier = engine.NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.Timeout)
	}

	eng := engine.New(logger, engine.Options{
		Store:      store,
		Chain:      chain,
		Hasher:     hasher,
		Classifier: classifier,
		Forwarder:  forwarder,
		Metrics:    recorder,
		Shadow:     cfg.Server.Shadow,
	})

	var watcher *config.RulesWatcher
	if cfg.Server.Rules.RulesFile != "" {
		watcher, err = config.WatchRules(ctx, cfg.Server.Rules.RulesFile, func(ruleCfgs []config.RuleConfig) {
			if err := store.Apply(ruleCfgs); err != nil {
				logger.Error("rule reload rejected", slog.Any("error", err))
			}
		}, func(err error) {
			logger.Error("rules watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	gateway := server.NewGateway(logger, server.GatewayOptions{
		Engine:    eng,
		Store:     store,
		Forwarder: forwarder,
		Metrics:   recorder,
		AuditPath: cfg.Audit.LogPath,
		APIKey:    cfg.Server.Auth.APIKey,
		Version:   version,
	})

	srv, err := server.New(cfg, logger, gateway.Handler())
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return 1
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return 1
	}

	logger.Info("server shutdown complete")
	return 0
}

// runVerify replays the audit chain and reports the first inconsistency.
// Exit code 0 means the chain is intact; 1 covers corruption and I/O failure.
func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	auditPath := fs.String("audit", defaultAuditPath(), "path to the audit chain file")
	_ = fs.Parse(args)

	result, err := audit.Verify(*auditPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return 1
	}
	if !result.OK {
		index := -1
		if result.FirstBadIndex != nil {
			index = *result.FirstBadIndex
		}
		fmt.Fprintf(os.Stderr, "audit chain broken at record %d: %s\n", index, result.Reason)
		return 1
	}
	fmt.Printf("audit chain ok (%d records)\n", result.Records)
	return 0
}

// runLint compiles a rules document without serving it.
func runLint(args []string) int {
	fs := flag.NewFlagSet("lint", flag.ExitOnError)
	rulesPath := fs.String("rules", os.Getenv("JIMINI_RULES_PATH"), "path to the rules document")
	_ = fs.Parse(args)

	if *rulesPath == "" {
		fmt.Fprintln(os.Stderr, "lint: no rules file (set -rules or JIMINI_RULES_PATH)")
		return 1
	}
	ruleCfgs, err := config.LoadRules(*rulesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lint: %v\n", err)
		return 1
	}
	celEnv, err := expr.NewEnvironment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lint: %v\n", err)
		return 1
	}
	snap, err := rules.Compile(ruleCfgs, celEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lint: %v\n", err)
		return 1
	}
	fmt.Printf("rules ok (%d compiled)\n", snap.Len())
	return 0
}

func defaultAuditPath() string {
	if path := os.Getenv("AUDIT_LOG_PATH"); path != "" {
		return path
	}
	return "logs/audit.jsonl"
}
