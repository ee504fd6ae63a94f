package security

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/polisai/polis-roots/pkg/domain"
)

// Environment variables consulted by PolicyOverridesFromEnv.
const (
	EnvAllowedDirs    = "SECURITY_ALLOWED_DIRS"
	EnvStrictMode     = "SECURITY_STRICT_MODE"
	EnvMaxPathLength  = "SECURITY_MAX_PATH_LENGTH"
	EnvPolicyProfile  = "POLIS_ROOTS_PROFILE"
	defaultMaxPathLen = 1024
)

// Profile selects the environment-specific default whitelist.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileProduction  Profile = "production"
)

// ParseProfile maps a string onto a Profile, defaulting to development.
func ParseProfile(s string) Profile {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return ProfileProduction
	default:
		return ProfileDevelopment
	}
}

// TraversalPatterns are the raw sequences a strict policy refuses outright.
var TraversalPatterns = []string{"../", `..\`}

// SystemPathPatterns cover OS-critical locations on unix and Windows.
var SystemPathPatterns = []string{
	"/etc",
	"/usr",
	"/bin",
	"/sys",
	"/proc",
	"/root",
	"/home",
	`C:\Windows`,
	`C:\Program Files`,
	`C:\Program Files (x86)`,
	`C:\Users\Administrator`,
}

// PolicyOverrides carries the fields a caller wants to set on top of a policy
// kind's defaults. Nil fields keep the default.
type PolicyOverrides struct {
	WhitelistedDirectories []string `yaml:"whitelisted_directories,omitempty"`
	ForbiddenPatterns      []string `yaml:"forbidden_patterns,omitempty"`
	AllowRelativePaths     *bool    `yaml:"allow_relative_paths,omitempty"`
	RequireWritePermission *bool    `yaml:"require_write_permission,omitempty"`
	EnableAuditLogging     *bool    `yaml:"enable_audit_logging,omitempty"`
	MaxPathLength          *int     `yaml:"max_path_length,omitempty"`
	CaseInsensitive        *bool    `yaml:"case_insensitive,omitempty"`
	BaseDirectory          string   `yaml:"base_directory,omitempty"`
}

// Layer returns o with every field set in upper replacing the value in o.
func (o PolicyOverrides) Layer(upper PolicyOverrides) PolicyOverrides {
	if upper.WhitelistedDirectories != nil {
		o.WhitelistedDirectories = slices.Clone(upper.WhitelistedDirectories)
	}
	if upper.ForbiddenPatterns != nil {
		o.ForbiddenPatterns = slices.Clone(upper.ForbiddenPatterns)
	}
	if upper.AllowRelativePaths != nil {
		o.AllowRelativePaths = upper.AllowRelativePaths
	}
	if upper.RequireWritePermission != nil {
		o.RequireWritePermission = upper.RequireWritePermission
	}
	if upper.EnableAuditLogging != nil {
		o.EnableAuditLogging = upper.EnableAuditLogging
	}
	if upper.MaxPathLength != nil {
		o.MaxPathLength = upper.MaxPathLength
	}
	if upper.CaseInsensitive != nil {
		o.CaseInsensitive = upper.CaseInsensitive
	}
	if upper.BaseDirectory != "" {
		o.BaseDirectory = upper.BaseDirectory
	}
	return o
}

// kindDefaults returns a fresh default policy for kind. Unknown kinds get the
// strict defaults.
func kindDefaults(kind domain.SecurityPolicyKind) domain.SecurityPolicy {
	switch kind {
	case domain.PolicyPermissive:
		return domain.SecurityPolicy{
			Kind:               kind,
			AllowRelativePaths: true,
			EnableAuditLogging: false,
			MaxPathLength:      4096,
		}
	case domain.PolicyStandard:
		return domain.SecurityPolicy{
			Kind:               kind,
			EnableAuditLogging: true,
			MaxPathLength:      defaultMaxPathLen,
		}
	default:
		return domain.SecurityPolicy{
			Kind:                   kind,
			ForbiddenPatterns:      slices.Clone(TraversalPatterns),
			RequireWritePermission: true,
			EnableAuditLogging:     true,
			MaxPathLength:          260,
		}
	}
}

// MergeDefaults builds the effective policy for kind with overrides applied.
// It never mutates shared state: every call starts from fresh defaults, and
// whitelist entries are normalized and de-duplicated in declaration order.
func MergeDefaults(kind domain.SecurityPolicyKind, overrides PolicyOverrides) domain.SecurityPolicy {
	p := kindDefaults(kind)

	if overrides.ForbiddenPatterns != nil {
		p.ForbiddenPatterns = slices.Clone(overrides.ForbiddenPatterns)
	}
	if overrides.AllowRelativePaths != nil {
		p.AllowRelativePaths = *overrides.AllowRelativePaths
	}
	if overrides.RequireWritePermission != nil {
		p.RequireWritePermission = *overrides.RequireWritePermission
	}
	if overrides.EnableAuditLogging != nil {
		p.EnableAuditLogging = *overrides.EnableAuditLogging
	}
	if overrides.MaxPathLength != nil && *overrides.MaxPathLength > 0 {
		p.MaxPathLength = *overrides.MaxPathLength
	}
	if overrides.CaseInsensitive != nil {
		p.CaseInsensitive = *overrides.CaseInsensitive
	}

	p.BaseDirectory = overrides.BaseDirectory
	if p.BaseDirectory == "" {
		p.BaseDirectory = workingDirectory()
	}
	p.BaseDirectory = canonicalize(p.BaseDirectory, string(filepath.Separator))

	p.WhitelistedDirectories = normalizeWhitelist(overrides.WhitelistedDirectories, p.BaseDirectory, p.CaseInsensitive)
	return p
}

func normalizeWhitelist(entries []string, base string, fold bool) []string {
	out := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		normalized := canonicalize(entry, base)
		if normalized == "" {
			continue
		}
		key := normalized
		if fold {
			key = strings.ToLower(key)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// ProfileOverrides returns the default whitelist (and, for production, the
// forbidden pattern list) for the given profile rooted at workDir.
func ProfileOverrides(profile Profile, workDir string) PolicyOverrides {
	if workDir == "" {
		workDir = workingDirectory()
	}

	if profile == ProfileProduction {
		forbidden := append(slices.Clone(TraversalPatterns), SystemPathPatterns...)
		return PolicyOverrides{
			WhitelistedDirectories: []string{
				filepath.Join(workDir, "qrimages"),
				filepath.Join(workDir, "output"),
			},
			ForbiddenPatterns: forbidden,
			BaseDirectory:     workDir,
		}
	}

	return PolicyOverrides{
		WhitelistedDirectories: []string{
			workDir,
			filepath.Join(workDir, "qrimages"),
			filepath.Join(workDir, "temp"),
			filepath.Join(workDir, "test-output"),
			filepath.Join(workDir, "build"),
			filepath.Join(workDir, "dist"),
			os.TempDir(),
		},
		BaseDirectory: workDir,
	}
}

// PolicyOverridesFromEnv reads SECURITY_* variables through getenv. Unset or
// malformed variables leave the corresponding field nil.
func PolicyOverridesFromEnv(getenv func(string) string) PolicyOverrides {
	if getenv == nil {
		getenv = os.Getenv
	}

	var o PolicyOverrides

	if val := getenv(EnvAllowedDirs); strings.TrimSpace(val) != "" {
		for _, dir := range strings.Split(val, ",") {
			if dir = strings.TrimSpace(dir); dir != "" {
				o.WhitelistedDirectories = append(o.WhitelistedDirectories, dir)
			}
		}
	}

	if val := getenv(EnvStrictMode); val != "" {
		if strict, err := strconv.ParseBool(val); err == nil && strict {
			f, t := false, true
			o.AllowRelativePaths = &f
			o.RequireWritePermission = &t
			o.EnableAuditLogging = &t
		}
	}

	if val := getenv(EnvMaxPathLength); val != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n > 0 {
			o.MaxPathLength = &n
		}
	}

	return o
}

func workingDirectory() string {
	wd, err := os.Getwd()
	if err != nil {
		return string(filepath.Separator)
	}
	return wd
}
