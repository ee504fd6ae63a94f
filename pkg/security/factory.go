package security

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/polisai/polis-roots/pkg/audit"
	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/telemetry"
)

// Default accepted roots changes per second for each policy kind.
const (
	DefaultStrictRateLimit     = 1.0
	DefaultStandardRateLimit   = 2.0
	DefaultPermissiveRateLimit = 5.0
)

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// Base is layered over every kind's defaults. Its WhitelistedDirectories
	// field is ignored: the whitelist of a validator is always the
	// AllowedRoots it was requested with.
	Base PolicyOverrides

	AuditSink    audit.Sink
	Rules        RuleEvaluator
	ProbeTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

// CacheInfo describes the validators a Factory currently holds.
type CacheInfo struct {
	Count int      `json:"count"`
	Keys  []string `json:"keys"`
}

// Factory builds validators and caches them by their effective options.
type Factory struct {
	mu         sync.Mutex
	cfg        FactoryConfig
	cache      map[string]*Validator
	generation uint64
	group      singleflight.Group
	logger     *slog.Logger
}

// NewFactory creates a factory. It is safe for concurrent use.
func NewFactory(cfg FactoryConfig) *Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger
	return &Factory{
		cfg:    cfg,
		cache:  make(map[string]*Validator),
		logger: logger.With("component", "validator_factory"),
	}
}

// effectiveOptions is the canonical form of a Create request.
type effectiveOptions struct {
	kind      domain.SecurityPolicyKind
	roots     []string
	audit     bool
	rateLimit float64
}

func (o effectiveOptions) key() string {
	sorted := slices.Clone(o.roots)
	slices.Sort(sorted)
	return fmt.Sprintf("%s|%s|%t|%s", o.kind, strings.Join(sorted, ","), o.audit,
		strconv.FormatFloat(o.rateLimit, 'g', -1, 64))
}

// Create returns a validator for kind with opts applied. An empty kind falls
// back to opts.Policy and then to strict. Equivalent requests share one
// validator instance.
func (f *Factory) Create(kind domain.SecurityPolicyKind, opts *domain.SecurityValidationOptions) (*Validator, error) {
	eff, err := resolveOptions(kind, opts)
	if err != nil {
		return nil, err
	}
	key := eff.key()

	f.mu.Lock()
	if v, ok := f.cache[key]; ok {
		f.mu.Unlock()
		f.cfg.Metrics.RecordFactoryLookup(true)
		return v, nil
	}
	generation := f.generation
	f.mu.Unlock()
	f.cfg.Metrics.RecordFactoryLookup(false)

	res, err, _ := f.group.Do(key, func() (any, error) {
		f.mu.Lock()
		if v, ok := f.cache[key]; ok {
			f.mu.Unlock()
			return v, nil
		}
		cfg := f.cfg
		f.mu.Unlock()

		v, err := f.build(eff, cfg)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		if f.generation == generation {
			f.cache[key] = v
		}
		f.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Validator), nil
}

func resolveOptions(kind domain.SecurityPolicyKind, opts *domain.SecurityValidationOptions) (effectiveOptions, error) {
	var o domain.SecurityValidationOptions
	if opts != nil {
		o = opts.Clone()
	}
	if kind == "" {
		kind = o.Policy
	}
	if kind == "" {
		kind = domain.PolicyStrict
	}
	if !kind.Valid() {
		return effectiveOptions{}, &domain.ConfigurationError{
			Field:   "policy",
			Value:   kind,
			Message: fmt.Sprintf("must be one of %v", domain.PolicyKinds()),
		}
	}

	for i, root := range o.AllowedRoots {
		if strings.TrimSpace(root) == "" {
			return effectiveOptions{}, &domain.ConfigurationError{
				Field:   fmt.Sprintf("allowed_roots[%d]", i),
				Value:   root,
				Message: "must not be blank",
			}
		}
	}

	eff := effectiveOptions{
		kind:      kind,
		roots:     o.AllowedRoots,
		audit:     kind != domain.PolicyPermissive,
		rateLimit: defaultRateLimit(kind),
	}
	if o.EnableAuditLog != nil {
		eff.audit = *o.EnableAuditLog
	}
	if o.RateLimit != nil {
		rate := *o.RateLimit
		if math.IsNaN(rate) || rate < domain.MinRateLimit || rate > domain.MaxRateLimit {
			return effectiveOptions{}, &domain.ConfigurationError{
				Field:   "rate_limit",
				Value:   rate,
				Message: fmt.Sprintf("must be between %g and %g", domain.MinRateLimit, domain.MaxRateLimit),
			}
		}
		eff.rateLimit = rate
	}
	return eff, nil
}

func defaultRateLimit(kind domain.SecurityPolicyKind) float64 {
	switch kind {
	case domain.PolicyPermissive:
		return DefaultPermissiveRateLimit
	case domain.PolicyStandard:
		return DefaultStandardRateLimit
	default:
		return DefaultStrictRateLimit
	}
}

func (f *Factory) build(eff effectiveOptions, cfg FactoryConfig) (*Validator, error) {
	overrides := cfg.Base
	overrides.WhitelistedDirectories = slices.Clone(eff.roots)
	overrides.EnableAuditLogging = &eff.audit

	policy := MergeDefaults(eff.kind, overrides)

	if eff.kind == domain.PolicyStrict && len(policy.WhitelistedDirectories) == 0 {
		f.logger.Warn("Strict validator created without allowed roots; every directory will be rejected")
	}

	v, err := NewValidator(policy, ValidatorOptions{
		AuditSink:    cfg.AuditSink,
		Rules:        cfg.Rules,
		ProbeTimeout: cfg.ProbeTimeout,
		RateLimit:    eff.rateLimit,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	f.logger.Debug("Validator created",
		"policy", string(eff.kind),
		"roots", len(policy.WhitelistedDirectories),
		"audit", eff.audit,
		"rate_limit", eff.rateLimit,
	)
	return v, nil
}

// AvailablePolicies lists the policy kinds Create accepts.
func (f *Factory) AvailablePolicies() []domain.SecurityPolicyKind {
	return domain.PolicyKinds()
}

// ClearCache drops every cached validator. Builds in flight when the cache
// is cleared are returned to their callers but not cached.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[string]*Validator)
	f.generation++
}

// CacheInfo reports the cached validator keys in sorted order.
func (f *Factory) CacheInfo() CacheInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.cache))
	for k := range f.cache {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return CacheInfo{Count: len(keys), Keys: keys}
}

// Base returns the overrides applied to every validator.
func (f *Factory) Base() PolicyOverrides {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Base
}

// SetBase replaces the overrides applied to every validator and clears the
// cache so later calls observe them.
func (f *Factory) SetBase(base PolicyOverrides) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.Base = base
	f.cache = make(map[string]*Validator)
	f.generation++
}
