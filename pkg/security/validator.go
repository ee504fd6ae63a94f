package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-roots/pkg/audit"
	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/telemetry"
)

// RuleInput is the document handed to a RuleEvaluator for a directory that
// already passed the built-in checks.
type RuleInput struct {
	Directory      string                    `json:"directory"`
	NormalizedPath string                    `json:"normalized_path"`
	Policy         domain.SecurityPolicyKind `json:"policy"`
	Whitelist      []string                  `json:"whitelist"`
}

// RuleDecision is the verdict of a RuleEvaluator.
type RuleDecision struct {
	Allow  bool
	Reason string
}

// RuleEvaluator applies deployment specific rules on top of the policy.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, input RuleInput) (RuleDecision, error)
}

// ValidatorOptions carries the collaborators of a Validator. Every field is
// optional.
type ValidatorOptions struct {
	// AuditSink receives audit records when the policy enables auditing.
	// Defaults to a LoggerSink on Logger.
	AuditSink audit.Sink

	// Rules is consulted after the whitelist check.
	Rules RuleEvaluator

	// ProbeTimeout bounds the write-permission probe.
	ProbeTimeout time.Duration

	// RateLimit is the accepted roots changes per second callers should
	// enforce for this validator.
	RateLimit float64

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ValidateOptions adjusts a single ValidateDirectorySecurity call.
type ValidateOptions struct {
	// AllowedRoots replaces the policy whitelist for this call when non-empty.
	AllowedRoots []string

	// EnableAuditLog overrides the policy audit setting for this call.
	EnableAuditLog *bool

	// SkipWriteCheck disables the write probe for this call.
	SkipWriteCheck bool
}

// Validator checks directories against one immutable security policy. It is
// safe for concurrent use.
type Validator struct {
	policy       domain.SecurityPolicy
	patterns     []forbiddenPattern
	rateLimit    float64
	sink         audit.Sink
	rules        RuleEvaluator
	probeTimeout time.Duration
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	now          func() time.Time
}

// NewValidator builds a validator for policy. The whitelist is normalized
// against the policy base directory.
func NewValidator(policy domain.SecurityPolicy, opts ValidatorOptions) (*Validator, error) {
	policy = policy.Clone()

	if policy.MaxPathLength <= 0 {
		return nil, &domain.ConfigurationError{
			Field:   "max_path_length",
			Value:   policy.MaxPathLength,
			Message: "must be positive",
		}
	}

	if policy.BaseDirectory == "" {
		policy.BaseDirectory = workingDirectory()
	}
	policy.BaseDirectory = canonicalize(policy.BaseDirectory, workingDirectory())
	policy.WhitelistedDirectories = normalizeWhitelist(policy.WhitelistedDirectories, policy.BaseDirectory, policy.CaseInsensitive)

	patterns, err := compilePatterns(policy.ForbiddenPatterns, policy.CaseInsensitive)
	if err != nil {
		return nil, &domain.ConfigurationError{
			Field:   "forbidden_patterns",
			Value:   policy.ForbiddenPatterns,
			Message: err.Error(),
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.AuditSink
	if sink == nil {
		sink = audit.NewLoggerSink(logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}

	return &Validator{
		policy:       policy,
		patterns:     patterns,
		rateLimit:    opts.RateLimit,
		sink:         sink,
		rules:        opts.Rules,
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "security_validator", "policy", string(policy.Kind)),
		metrics:      opts.Metrics,
		now:          now,
	}, nil
}

// Policy returns a copy of the effective policy.
func (v *Validator) Policy() domain.SecurityPolicy {
	return v.policy.Clone()
}

// Kind returns the policy kind the validator enforces.
func (v *Validator) Kind() domain.SecurityPolicyKind {
	return v.policy.Kind
}

// RateLimit returns the accepted roots changes per second for this validator.
func (v *Validator) RateLimit() float64 {
	return v.rateLimit
}

// AllowedDirectories returns the normalized whitelist.
func (v *Validator) AllowedDirectories() []string {
	return slices.Clone(v.policy.WhitelistedDirectories)
}

// ValidateDirectorySecurity checks directory against the policy. It never
// returns an error: every rejection is described by the result.
func (v *Validator) ValidateDirectorySecurity(ctx context.Context, directory string, opts *ValidateOptions) domain.RootsValidationResult {
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "security.validate_directory",
		trace.WithAttributes(attribute.String("policy.kind", string(v.policy.Kind))))
	defer span.End()

	if opts == nil {
		opts = &ValidateOptions{}
	}

	result := v.evaluate(ctx, directory, opts)

	telemetry.RecordSecurityEvent(span, result)
	telemetry.RecordValidation(ctx, v.policy.Kind, result)
	v.metrics.RecordValidation(v.policy.Kind, result, time.Since(start))

	auditEnabled := v.policy.EnableAuditLogging
	if opts.EnableAuditLog != nil {
		auditEnabled = *opts.EnableAuditLog
	}
	if auditEnabled {
		v.LogSecurityEvent(ctx, audit.NewEntry(v.policy.Kind, result))
	}

	if !result.Valid {
		v.logger.LogAttrs(ctx, slog.LevelDebug, "Directory rejected",
			slog.String("directory", directory),
			slog.String("code", string(result.Code)),
			slog.String("reason", result.Reason),
		)
	}

	return result
}

func (v *Validator) evaluate(ctx context.Context, directory string, opts *ValidateOptions) domain.RootsValidationResult {
	now := v.now()

	if strings.TrimSpace(directory) == "" {
		return domain.Rejected(directory, "", domain.CodeInvalidInput, "directory is empty", now)
	}
	if _, ok := toLocalPath(directory); !ok {
		return domain.Rejected(directory, "", domain.CodeInvalidInput, "directory is not a valid path", now)
	}

	normalized := canonicalize(directory, v.policy.BaseDirectory)
	if normalized == "" {
		return domain.Rejected(directory, "", domain.CodeInvalidInput, "directory could not be normalized", now)
	}
	if len(normalized) > v.policy.MaxPathLength {
		return domain.Rejected(directory, normalized, domain.CodePathTooLong,
			fmt.Sprintf("path length %d exceeds maximum %d", len(normalized), v.policy.MaxPathLength), now)
	}

	if isRelative(directory) && !v.policy.AllowRelativePaths {
		return domain.Rejected(directory, normalized, domain.CodeRelativePath, "relative paths are not allowed", now)
	}

	if pattern, hit := matchForbidden(v.patterns, directory, normalized); hit {
		return domain.Rejected(directory, normalized, domain.CodeForbiddenPattern,
			fmt.Sprintf("path matches forbidden pattern %q", pattern), now)
	}

	whitelist := v.policy.WhitelistedDirectories
	if len(opts.AllowedRoots) > 0 {
		whitelist = normalizeWhitelist(opts.AllowedRoots, v.policy.BaseDirectory, v.policy.CaseInsensitive)
	}
	if len(whitelist) == 0 {
		return domain.Rejected(directory, normalized, domain.CodeNotWhitelisted, "no whitelisted directories configured", now)
	}
	if !v.inWhitelist(normalized, whitelist) {
		return domain.Rejected(directory, normalized, domain.CodeNotWhitelisted, "path is outside the whitelisted directories", now)
	}

	if v.rules != nil {
		decision, err := v.rules.Evaluate(ctx, RuleInput{
			Directory:      directory,
			NormalizedPath: normalized,
			Policy:         v.policy.Kind,
			Whitelist:      slices.Clone(whitelist),
		})
		if err != nil {
			v.logger.WarnContext(ctx, "Directory rule evaluation failed", "error", err)
			return domain.Rejected(directory, normalized, domain.CodePolicyRuleDenied,
				fmt.Sprintf("rule evaluation failed: %v", err), now)
		}
		if !decision.Allow {
			reason := decision.Reason
			if reason == "" {
				reason = "denied by directory rule"
			}
			return domain.Rejected(directory, normalized, domain.CodePolicyRuleDenied, reason, now)
		}
	}

	if v.policy.RequireWritePermission && !opts.SkipWriteCheck {
		if err := ProbeWritable(ctx, normalized, v.probeTimeout); err != nil {
			code := domain.CodeFilesystemFault
			var probeErr *ProbeError
			if errors.As(err, &probeErr) {
				code = probeErr.Code
			}
			return domain.Rejected(directory, normalized, code, err.Error(), now)
		}
	}

	return domain.Accepted(directory, normalized, now)
}

func (v *Validator) inWhitelist(normalized string, whitelist []string) bool {
	for _, root := range whitelist {
		if withinRoot(normalized, root, v.policy.CaseInsensitive) {
			return true
		}
	}
	return false
}

// CheckWritePermissions reports whether dir, or the ancestor it would be
// created in, accepts new files.
func (v *Validator) CheckWritePermissions(ctx context.Context, dir string) bool {
	normalized := v.NormalizePath(dir)
	if normalized == "" {
		return false
	}
	return ProbeWritable(ctx, normalized, v.probeTimeout) == nil
}

// NormalizePath returns the canonical absolute form of p, resolving relative
// input against the policy base directory. It is idempotent and returns ""
// for input that is not a path.
func (v *Validator) NormalizePath(p string) string {
	return canonicalize(p, v.policy.BaseDirectory)
}

// IsAllowed reports whether dir lies inside the validator's whitelist without
// running any other check.
func (v *Validator) IsAllowed(dir string) bool {
	normalized := v.NormalizePath(dir)
	return normalized != "" && v.inWhitelist(normalized, v.policy.WhitelistedDirectories)
}

// LogSecurityEvent hands entry to the audit sink. Failures are logged and
// never reach the caller.
func (v *Validator) LogSecurityEvent(ctx context.Context, entry domain.SecurityAuditLog) {
	if err := v.sink.Record(ctx, entry); err != nil {
		v.logger.WarnContext(ctx, "Failed to record security audit entry",
			"audit_id", entry.ID,
			"error", err,
		)
	}
}

// Inspect reports the on-disk state of dir and whether it lies inside the
// whitelist. Nothing is cached; every call touches the filesystem.
func (v *Validator) Inspect(ctx context.Context, dir string) domain.DirectoryInfo {
	normalized := v.NormalizePath(dir)
	info := domain.DirectoryInfo{Path: normalized}
	if normalized == "" {
		info.Path = dir
		return info
	}
	info.Exists = DirectoryExists(ctx, normalized, v.probeTimeout)
	info.Writable = info.Exists && ProbeWritable(ctx, normalized, v.probeTimeout) == nil
	info.WithinWhitelist = v.inWhitelist(normalized, v.policy.WhitelistedDirectories)
	return info
}
