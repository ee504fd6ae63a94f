package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/polisai/polis-roots/pkg/security"
	"github.com/polisai/polis-roots/pkg/telemetry"
)

// Reload outcomes recorded in metrics.
const (
	ReloadSuccess           = "success"
	ReloadValidationFailed  = "validation_failed"
	ReloadApplicationFailed = "application_failed"
)

// ReloadStats summarizes reload activity.
type ReloadStats struct {
	Count      int64     `json:"count"`
	LastReload time.Time `json:"last_reload"`
	LastError  string    `json:"last_error,omitempty"`
}

// Reloader applies a configuration file to a running provider. Policy base,
// policy selection and explicit directory are swapped; a failure leaves the
// previous configuration in force.
type Reloader struct {
	provider *Provider
	factory  *security.Factory
	getenv   func(string) string
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu    sync.Mutex
	stats ReloadStats
}

// NewReloader creates a reloader sharing the provider's factory. getenv
// defaults to os.Getenv.
func NewReloader(provider *Provider, getenv func(string) string, logger *slog.Logger, metrics *telemetry.Metrics) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	return &Reloader{
		provider: provider,
		factory:  provider.factory,
		getenv:   getenv,
		logger:   logger.With("component", "config_reloader"),
		metrics:  metrics,
	}
}

// Reload loads path and applies it.
func (r *Reloader) Reload(path string) error {
	return r.ReloadContext(context.Background(), path)
}

// ReloadContext loads path and applies it, using ctx for any re-validation.
func (r *Reloader) ReloadContext(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	r.logger.Info("Starting configuration reload", "config_path", path)

	cfg, err := load(path, r.getenv)
	if err != nil {
		r.fail(ReloadValidationFailed, err)
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := r.apply(ctx, cfg); err != nil {
		r.fail(ReloadApplicationFailed, err)
		return fmt.Errorf("configuration application failed: %w", err)
	}

	r.stats.Count++
	r.stats.LastReload = time.Now()
	r.stats.LastError = ""
	r.metrics.RecordConfigReload(ReloadSuccess)

	r.logger.Info("Configuration reload completed successfully",
		"duration", time.Since(start),
		"reload_count", r.stats.Count,
		"policy", string(cfg.Security.Policy),
	)
	return nil
}

func (r *Reloader) apply(ctx context.Context, cfg *Config) error {
	settings := cfg.ResolvePolicy(r.getenv)

	previousBase := r.factory.Base()
	r.factory.SetBase(settings.Base)

	if err := r.provider.SetPolicy(ctx, settings.Kind, settings.Options); err != nil {
		r.factory.SetBase(previousBase)
		return err
	}

	if cfg.Directory.Explicit != "" {
		if err := r.provider.SetExplicitDirectory(cfg.Directory.Explicit); err != nil {
			return err
		}
	} else if err := r.provider.ClearExplicitDirectory(); err != nil {
		return err
	}

	return r.provider.ReloadEnvironment()
}

func (r *Reloader) fail(status string, err error) {
	r.stats.LastError = err.Error()
	r.metrics.RecordConfigReload(status)
	r.logger.Error("Configuration reload failed", "status", status, "error", err)
}

// Stats returns a copy of the reload statistics.
func (r *Reloader) Stats() ReloadStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
