package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-roots/pkg/audit"
	"github.com/polisai/polis-roots/pkg/config"
	"github.com/polisai/polis-roots/pkg/policy"
	"github.com/polisai/polis-roots/pkg/roots"
	"github.com/polisai/polis-roots/pkg/security"
	"github.com/polisai/polis-roots/pkg/telemetry"
)

// app wires the engine together for one command invocation.
type app struct {
	cfg        *config.Config
	configPath string
	getenv     func(string) string

	logger    *slog.Logger
	metrics   *telemetry.Metrics
	sink      audit.Sink
	retention *audit.RetentionScheduler

	factory  *security.Factory
	provider *config.Provider
	manager  *roots.Manager
}

// setup parses the global flags and builds the app.
func setup(cmd *cobra.Command) (*app, error) {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := buildConfig(cli)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, cli.Config, cmd.ErrOrStderr(), os.Getenv)
}

func newApp(ctx context.Context, cfg *config.Config, configPath string, logOut io.Writer, getenv func(string) string) (*app, error) {
	logger := newLogger(cfg, logOut)
	slog.SetDefault(logger)

	a := &app{
		cfg:        cfg,
		configPath: configPath,
		getenv:     getenv,
		logger:     logger,
		metrics:    telemetry.NewMetrics(),
	}

	sink, err := a.buildAuditSink()
	if err != nil {
		return nil, err
	}
	a.sink = sink

	rules, err := a.buildRules(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	settings := cfg.ResolvePolicy(getenv)
	a.factory = security.NewFactory(security.FactoryConfig{
		Base:         settings.Base,
		AuditSink:    a.sink,
		Rules:        rules,
		ProbeTimeout: cfg.Security.ProbeTimeout,
		Logger:       logger,
		Metrics:      a.metrics,
	})

	a.provider, err = config.NewProvider(config.ProviderOptions{
		Factory:           a.factory,
		Policy:            settings.Kind,
		PolicyOptions:     settings.Options,
		DefaultDirectory:  cfg.Directory.Default,
		ExplicitDirectory: cfg.Directory.Explicit,
		Getenv:            getenv,
		Logger:            logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to initialize configuration provider: %w", err)
	}

	a.manager, err = roots.NewManager(roots.ManagerOptions{
		Provider:      a.provider,
		EnsureTimeout: cfg.Security.ProbeTimeout,
		Logger:        logger,
		Metrics:       a.metrics,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) buildAuditSink() (audit.Sink, error) {
	cfg := a.cfg.Audit

	switch cfg.Sink {
	case config.AuditSinkNone:
		return audit.NewMultiSink(), nil

	case config.AuditSinkJSONL:
		jsonl, err := audit.NewJSONLSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		return a.async(jsonl), nil

	case config.AuditSinkSQLite:
		store, err := audit.NewSQLiteSink(audit.SQLiteSinkConfig{DBPath: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		a.retention = audit.NewRetentionScheduler(store, audit.RetentionConfig{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
		}, a.logger)
		return a.async(store), nil

	default:
		return audit.NewLoggerSink(a.logger), nil
	}
}

func (a *app) async(inner audit.Sink) audit.Sink {
	sink := audit.NewAsyncSink(inner, a.cfg.Audit.Buffer, a.logger)
	sink.OnDrop(a.metrics.RecordAuditDropped)
	return sink
}

func (a *app) buildRules(ctx context.Context) (security.RuleEvaluator, error) {
	if len(a.cfg.Security.Rules) == 0 {
		return nil, nil
	}

	modules, err := policy.LoadModules(a.cfg.Security.Rules...)
	if err != nil {
		return nil, fmt.Errorf("failed to load directory rules: %w", err)
	}
	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint: a.cfg.Security.RulesEntrypoint,
		Modules:    modules,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile directory rules: %w", err)
	}

	a.logger.Info("Directory rules loaded", "modules", len(modules))
	return policy.NewChain(engine), nil
}

// Close stops background work and flushes the audit sink.
func (a *app) Close() error {
	if a.retention != nil {
		a.retention.Stop()
	}
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	return errors.Join(errs...)
}
