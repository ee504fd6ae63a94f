package domain

import (
	"fmt"
	"slices"
	"strings"
)

// SecurityPolicyKind selects the default settings a policy is built from.
type SecurityPolicyKind string

const (
	// PolicyStrict rejects relative paths, requires write access and audits every check.
	PolicyStrict SecurityPolicyKind = "strict"
	// PolicyStandard audits every check but does not probe for write access.
	PolicyStandard SecurityPolicyKind = "standard"
	// PolicyPermissive allows relative paths and disables auditing.
	PolicyPermissive SecurityPolicyKind = "permissive"
)

// PolicyKinds lists every known policy kind in order of decreasing strictness.
func PolicyKinds() []SecurityPolicyKind {
	return []SecurityPolicyKind{PolicyStrict, PolicyStandard, PolicyPermissive}
}

// Valid reports whether k is one of the known policy kinds.
func (k SecurityPolicyKind) Valid() bool {
	return slices.Contains(PolicyKinds(), k)
}

// ParsePolicyKind converts a user supplied string into a SecurityPolicyKind.
func ParsePolicyKind(s string) (SecurityPolicyKind, error) {
	kind := SecurityPolicyKind(strings.ToLower(strings.TrimSpace(s)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown security policy %q", s)
	}
	return kind, nil
}

// SecurityPolicy is the effective, merged policy a validator enforces.
// Values are treated as immutable once built; use Clone before modifying.
type SecurityPolicy struct {
	Kind SecurityPolicyKind `json:"kind" yaml:"kind"`

	// WhitelistedDirectories holds normalized absolute directory prefixes.
	WhitelistedDirectories []string `json:"whitelisted_directories" yaml:"whitelisted_directories"`

	// ForbiddenPatterns immediately disqualify a path. Entries starting with a
	// separator or drive letter match as path prefixes, entries containing glob
	// metacharacters match as globs, everything else matches as a substring.
	ForbiddenPatterns []string `json:"forbidden_patterns" yaml:"forbidden_patterns"`

	AllowRelativePaths     bool `json:"allow_relative_paths" yaml:"allow_relative_paths"`
	RequireWritePermission bool `json:"require_write_permission" yaml:"require_write_permission"`
	EnableAuditLogging     bool `json:"enable_audit_logging" yaml:"enable_audit_logging"`
	MaxPathLength          int  `json:"max_path_length" yaml:"max_path_length"`

	// CaseInsensitive compares whitelist entries and forbidden patterns
	// without regard to case, for case-insensitive filesystems.
	CaseInsensitive bool `json:"case_insensitive" yaml:"case_insensitive"`

	// BaseDirectory anchors relative paths when AllowRelativePaths is set.
	BaseDirectory string `json:"base_directory" yaml:"base_directory"`
}

// Clone returns a deep copy of the policy.
func (p SecurityPolicy) Clone() SecurityPolicy {
	p.WhitelistedDirectories = slices.Clone(p.WhitelistedDirectories)
	p.ForbiddenPatterns = slices.Clone(p.ForbiddenPatterns)
	return p
}

// SecurityValidationOptions are the caller-facing knobs used to request a
// validator from the factory. Nil pointer fields fall back to the policy
// kind's defaults.
type SecurityValidationOptions struct {
	Policy         SecurityPolicyKind `json:"policy" yaml:"policy"`
	AllowedRoots   []string           `json:"allowed_roots" yaml:"allowed_roots"`
	EnableAuditLog *bool              `json:"enable_audit_log,omitempty" yaml:"enable_audit_log,omitempty"`
	RateLimit      *float64           `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Clone returns a deep copy of the options.
func (o SecurityValidationOptions) Clone() SecurityValidationOptions {
	o.AllowedRoots = slices.Clone(o.AllowedRoots)
	if o.EnableAuditLog != nil {
		v := *o.EnableAuditLog
		o.EnableAuditLog = &v
	}
	if o.RateLimit != nil {
		v := *o.RateLimit
		o.RateLimit = &v
	}
	return o
}

// Rate limit bounds, in accepted roots changes per second.
const (
	MinRateLimit = 0.1
	MaxRateLimit = 100.0
)
