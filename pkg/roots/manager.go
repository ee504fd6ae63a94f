// Package roots handles "roots changed" notifications from clients and turns
// the first acceptable declared root into the active output directory.
package roots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-roots/internal/governance"
	"github.com/polisai/polis-roots/pkg/config"
	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/security"
	"github.com/polisai/polis-roots/pkg/telemetry"
)

// ClientKey is the notification source entry used to partition rate limits.
const ClientKey = "client"

const defaultClient = "default"

// globalKey names the bucket shared by every client.
const globalKey = "all"

// Notification outcomes recorded in metrics.
const (
	ResultAdopted     = "adopted"
	ResultRejected    = "rejected"
	ResultRateLimited = "rate_limited"
)

// ErrNoProvider is returned by NewManager without a configuration provider.
var ErrNoProvider = errors.New("roots manager requires a configuration provider")

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Provider *config.Provider

	// Limiter throttles notifications per client. One is created from the
	// active policy's rate limit when nil. A second bucket shared by all
	// clients caps the total at the same rate.
	Limiter *governance.RateLimiter

	// EnsureTimeout bounds directory creation. Defaults to
	// security.DefaultProbeTimeout.
	EnsureTimeout time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Manager validates declared roots and adopts the first valid one.
type Manager struct {
	provider      *config.Provider
	limiter       *governance.RateLimiter
	global        *governance.RateLimiter
	ensureTimeout time.Duration
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	now           func() time.Time
}

// NewManager builds a manager around provider.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.EnsureTimeout
	if timeout <= 0 {
		timeout = security.DefaultProbeTimeout
	}

	limiter := opts.Limiter
	if limiter == nil {
		rate := security.DefaultStrictRateLimit
		if v := opts.Provider.Validator(); v != nil {
			rate = v.RateLimit()
		}
		limiter = governance.NewRateLimiter(governance.RateLimiterConfig{RatePerSecond: rate})
	}

	return &Manager{
		provider:      opts.Provider,
		limiter:       limiter,
		global:        governance.NewRateLimiter(limiter.Config()),
		ensureTimeout: timeout,
		logger:        logger.With("component", "roots_manager"),
		metrics:       opts.Metrics,
		now:           now,
	}, nil
}

// HandleRootsChanged validates every declared root in order and adopts the
// first one that passes. The embedded result describes the adopted directory;
// Results holds the outcome of each declared root. Rejections are reported in
// the result, never as errors.
func (m *Manager) HandleRootsChanged(ctx context.Context, n domain.RootsNotification) domain.AggregateRootsResult {
	ctx, span := telemetry.Tracer().Start(ctx, "roots.handle_notification",
		trace.WithAttributes(attribute.Int("roots.count", len(n.Roots))),
	)
	defer span.End()

	client := clientOf(n)
	logger := m.logger.With("client", client)

	agg := m.handle(ctx, logger, client, n)

	span.SetAttributes(
		attribute.Bool("roots.adopted", agg.Adopted),
		attribute.String("roots.client", client),
	)
	if agg.Adopted {
		span.SetAttributes(attribute.String("roots.directory", agg.NormalizedPath))
	} else {
		span.SetStatus(codes.Error, agg.Reason)
	}
	return agg
}

func (m *Manager) handle(ctx context.Context, logger *slog.Logger, client string, n domain.RootsNotification) domain.AggregateRootsResult {
	validator := m.provider.Validator()
	if validator == nil {
		m.metrics.RecordNotification(ResultRejected)
		return m.reject(domain.CodeInvalidInput, domain.ErrProviderNotInitialized.Error(), nil)
	}

	if len(n.Roots) == 0 {
		m.metrics.RecordNotification(ResultRejected)
		logger.Warn("Roots notification declared no roots")
		return m.reject(domain.CodeNoRoots, "notification declared no roots", nil)
	}

	m.syncRate(validator.RateLimit())
	if !m.limiter.AllowContext(ctx, client) || !m.global.AllowContext(ctx, globalKey) {
		m.metrics.RecordNotification(ResultRateLimited)
		logger.Warn("Roots notification rate limited", "rate_per_second", validator.RateLimit())
		return m.reject(domain.CodeRateLimited,
			fmt.Sprintf("roots changes limited to %g per second", validator.RateLimit()), nil)
	}

	results := make([]domain.RootsValidationResult, 0, len(n.Roots))
	adopted := -1

	for _, root := range n.Roots {
		if adopted >= 0 {
			results = append(results, validator.ValidateDirectorySecurity(ctx, root, nil))
			continue
		}

		// The provider validates and commits in one step so the adopted root
		// is checked once and announced once.
		result, err := m.provider.UpdateFromRootsResult(ctx, root)
		if err != nil {
			m.metrics.RecordNotification(ResultRejected)
			return m.reject(domain.CodeInvalidInput, err.Error(), results)
		}
		results = append(results, result)
		if result.Valid {
			adopted = len(results) - 1
		}
	}

	if adopted < 0 {
		m.metrics.RecordNotification(ResultRejected)
		logger.Warn("No declared root passed validation", "declared", len(n.Roots))
		return m.reject(domain.CodeNoValidRoot,
			fmt.Sprintf("none of %d declared roots passed validation", len(n.Roots)), results)
	}

	agg := domain.AggregateRootsResult{
		RootsValidationResult: results[adopted],
		Adopted:               true,
		Results:               results,
	}
	m.metrics.RecordNotification(ResultAdopted)
	logger.Info("Roots notification handled",
		"adopted", agg.NormalizedPath,
		"declared", len(n.Roots),
		"rejected", len(agg.Rejections()),
	)
	return agg
}

func (m *Manager) reject(code domain.RejectionCode, reason string, results []domain.RootsValidationResult) domain.AggregateRootsResult {
	return domain.AggregateRootsResult{
		RootsValidationResult: domain.Rejected("", "", code, reason, m.now()),
		Results:               results,
	}
}

// syncRate keeps both limiters in step with the active policy.
func (m *Manager) syncRate(rate float64) {
	for _, rl := range []*governance.RateLimiter{m.limiter, m.global} {
		cfg := rl.Config()
		if math.Abs(cfg.RatePerSecond-rate) < 1e-9 {
			continue
		}
		rl.Configure(governance.RateLimiterConfig{RatePerSecond: rate, BurstSize: cfg.BurstSize})
	}
}

// CurrentRoots returns the provider status.
func (m *Manager) CurrentRoots() domain.ConfigurationStatus {
	return m.provider.Status()
}

// ValidateDirectory checks dir without changing any configuration.
func (m *Manager) ValidateDirectory(ctx context.Context, dir string) domain.RootsValidationResult {
	validator := m.provider.Validator()
	if validator == nil {
		return domain.Rejected(dir, "", domain.CodeInvalidInput, domain.ErrProviderNotInitialized.Error(), m.now())
	}
	return validator.ValidateDirectorySecurity(ctx, dir, nil)
}

// EnsureDirectoryWithSecurityCheck validates dir and, only if it passes,
// creates it if missing. It reports whether the directory is usable.
func (m *Manager) EnsureDirectoryWithSecurityCheck(ctx context.Context, dir string) (bool, domain.RootsValidationResult) {
	result := m.ValidateDirectory(ctx, dir)
	if !result.Valid {
		return false, result
	}

	if err := security.EnsureDirectory(ctx, result.NormalizedPath, m.ensureTimeout); err != nil {
		code := domain.CodeFilesystemFault
		var probeErr *security.ProbeError
		if errors.As(err, &probeErr) && probeErr.Code != domain.CodeNone {
			code = probeErr.Code
		}
		m.logger.Error("Failed to create directory",
			"directory", result.NormalizedPath,
			"code", string(code),
			"error", err,
		)
		return false, domain.Rejected(dir, result.NormalizedPath, code, err.Error(), m.now())
	}

	m.logger.Debug("Directory ensured", "directory", result.NormalizedPath)
	return true, result
}

// RootsDirectoryInfo reports on an arbitrary directory. Source is the
// provider's source when dir is the current directory and roots otherwise.
func (m *Manager) RootsDirectoryInfo(ctx context.Context, dir string) domain.DirectoryInfo {
	validator := m.provider.Validator()
	if validator == nil {
		return domain.DirectoryInfo{Path: dir}
	}

	info := validator.Inspect(ctx, dir)
	info.Source = domain.SourceRoots
	status := m.provider.Status()
	if info.Path != "" && info.Path == validator.NormalizePath(status.CurrentDirectory) {
		info.Source = status.Source
	}
	return info
}

// RateLimitStats returns the limiter state for client, or the shared bucket
// when that one has fewer tokens left.
func (m *Manager) RateLimitStats(client string) (governance.RateLimitStats, bool) {
	if strings.TrimSpace(client) == "" {
		client = defaultClient
	}
	stats, ok := m.limiter.Lookup(client)
	shared, sharedOK := m.global.Lookup(globalKey)
	switch {
	case !sharedOK:
		return stats, ok
	case !ok || shared.Available < stats.Available:
		return shared, true
	}
	return stats, ok
}

// ForgetIdleClients drops rate limit state for clients that have not sent a
// notification for at least idle.
func (m *Manager) ForgetIdleClients(idle time.Duration) int {
	m.global.Forget(idle)
	return m.limiter.Forget(idle)
}

func clientOf(n domain.RootsNotification) string {
	if client := strings.TrimSpace(n.Source[ClientKey]); client != "" {
		return client
	}
	return defaultClient
}
