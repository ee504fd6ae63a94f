// Package config loads the roots engine configuration and owns the resolved
// output directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/security"
)

// Environment variables consulted by Load.
const (
	EnvListenAddr   = "POLIS_ROOTS_LISTEN_ADDR"
	EnvLogLevel     = "POLIS_ROOTS_LOG_LEVEL"
	EnvPolicy       = "POLIS_ROOTS_POLICY"
	EnvAuditSink    = "POLIS_ROOTS_AUDIT_SINK"
	EnvOTLPEndpoint = "POLIS_ROOTS_OTLP_ENDPOINT"
	EnvOTLPInsecure = "POLIS_ROOTS_OTLP_INSECURE"
)

// Audit sink kinds.
const (
	AuditSinkLog    = "log"
	AuditSinkJSONL  = "jsonl"
	AuditSinkSQLite = "sqlite"
	AuditSinkNone   = "none"
)

// Config holds the global configuration for polis-roots.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Directory DirectoryConfig `yaml:"directory"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig holds configuration for the status server.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	// SampleRatio is the fraction of root traces kept; 0 keeps all.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// SecurityConfig selects the validation policy.
type SecurityConfig struct {
	Policy  domain.SecurityPolicyKind `yaml:"policy"`
	Profile security.Profile          `yaml:"profile"`

	// AllowedRoots replaces the profile whitelist when set.
	AllowedRoots []string `yaml:"allowed_roots,omitempty"`
	AuditLog     *bool    `yaml:"audit_log,omitempty"`
	RateLimit    *float64 `yaml:"rate_limit,omitempty"`

	// Overrides are layered over the policy defaults. Their whitelist is
	// ignored in favour of AllowedRoots.
	Overrides security.PolicyOverrides `yaml:"overrides,omitempty"`

	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// Rules lists rego files or directories evaluated after the whitelist.
	Rules           []string `yaml:"rules,omitempty"`
	RulesEntrypoint string   `yaml:"rules_entrypoint,omitempty"`
}

// DirectoryConfig seeds the directory resolver.
type DirectoryConfig struct {
	// Default is used when nothing else applies. Defaults to
	// <working directory>/qrimages.
	Default string `yaml:"default"`
	// Explicit outranks every other source when set.
	Explicit string `yaml:"explicit,omitempty"`
}

// AuditConfig selects where audit records go.
type AuditConfig struct {
	Sink      string          `yaml:"sink"`
	Path      string          `yaml:"path,omitempty"`
	Buffer    int             `yaml:"buffer"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls pruning of the SQLite audit sink.
type RetentionConfig struct {
	Schedule string        `yaml:"schedule,omitempty"`
	MaxAge   time.Duration `yaml:"max_age,omitempty"`
}

// PolicySettings is the resolved policy selection handed to the factory and
// provider.
type PolicySettings struct {
	Kind    domain.SecurityPolicyKind
	Options domain.SecurityValidationOptions
	Base    security.PolicyOverrides
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":19191",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-roots",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Security: SecurityConfig{
			Policy:       domain.PolicyStrict,
			Profile:      security.ProfileDevelopment,
			ProbeTimeout: security.DefaultProbeTimeout,
		},
		Audit: AuditConfig{
			Sink:   AuditSinkLog,
			Buffer: 256,
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg, getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if val := getenv(EnvListenAddr); val != "" {
		cfg.Server.ListenAddr = val
	}
	if val := getenv(EnvLogLevel); val != "" {
		cfg.Logging.Level = val
	}
	if val := getenv(EnvPolicy); val != "" {
		cfg.Security.Policy = domain.SecurityPolicyKind(strings.ToLower(strings.TrimSpace(val)))
	}
	if val := getenv(security.EnvPolicyProfile); val != "" {
		cfg.Security.Profile = security.ParseProfile(val)
	}
	if val := getenv(EnvAuditSink); val != "" {
		cfg.Audit.Sink = val
	}
	if val := getenv(EnvOTLPEndpoint); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := getenv(EnvOTLPInsecure); val != "" {
		if insecure, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Insecure = insecure
		}
	}
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return &domain.ConfigurationError{
			Field:   "telemetry.sample_ratio",
			Value:   strconv.FormatFloat(r, 'f', -1, 64),
			Message: "must be between 0 and 1",
		}
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":19191"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate checks the policy selection. Errors are *domain.ConfigurationError.
func (c *SecurityConfig) Validate() error {
	if c.Policy == "" {
		c.Policy = domain.PolicyStrict
	}
	if !c.Policy.Valid() {
		return &domain.ConfigurationError{Field: "security.policy", Value: c.Policy, Message: fmt.Sprintf("must be one of %v", domain.PolicyKinds())}
	}
	if c.Profile == "" {
		c.Profile = security.ProfileDevelopment
	}
	if c.Profile != security.ProfileDevelopment && c.Profile != security.ProfileProduction {
		return &domain.ConfigurationError{Field: "security.profile", Value: c.Profile, Message: "must be development or production"}
	}
	if c.RateLimit != nil && (*c.RateLimit < domain.MinRateLimit || *c.RateLimit > domain.MaxRateLimit) {
		return &domain.ConfigurationError{Field: "security.rate_limit", Value: *c.RateLimit, Message: fmt.Sprintf("must be between %g and %g", domain.MinRateLimit, domain.MaxRateLimit)}
	}
	for i, root := range c.AllowedRoots {
		if strings.TrimSpace(root) == "" {
			return &domain.ConfigurationError{Field: fmt.Sprintf("security.allowed_roots[%d]", i), Value: root, Message: "must not be blank"}
		}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = security.DefaultProbeTimeout
	}
	return nil
}

// Validate checks the audit sink selection.
func (c *AuditConfig) Validate() error {
	c.Sink = strings.ToLower(strings.TrimSpace(c.Sink))
	switch c.Sink {
	case "":
		c.Sink = AuditSinkLog
	case AuditSinkLog, AuditSinkNone:
	case AuditSinkJSONL, AuditSinkSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("audit.path is required for the %s sink", c.Sink)
		}
	default:
		return fmt.Errorf("invalid audit sink %q, supported sinks: log, jsonl, sqlite, none", c.Sink)
	}
	if c.Buffer < 0 {
		return fmt.Errorf("audit.buffer must not be negative")
	}
	if c.Retention.Schedule != "" && c.Retention.MaxAge <= 0 {
		return fmt.Errorf("audit.retention.max_age must be positive when a schedule is set")
	}
	return nil
}

// ResolvePolicy layers the profile defaults, the file settings and the
// SECURITY_* environment variables into the policy selection.
func (c *Config) ResolvePolicy(getenv func(string) string) PolicySettings {
	if getenv == nil {
		getenv = os.Getenv
	}

	profile := security.ProfileOverrides(c.Security.Profile, "")
	env := security.PolicyOverridesFromEnv(getenv)

	base := profile.Layer(c.Security.Overrides).Layer(env)

	roots := profile.WhitelistedDirectories
	if len(c.Security.AllowedRoots) > 0 {
		roots = c.Security.AllowedRoots
	}
	if env.WhitelistedDirectories != nil {
		roots = env.WhitelistedDirectories
	}

	auditLog := c.Security.AuditLog
	if env.EnableAuditLogging != nil {
		auditLog = env.EnableAuditLogging
	}
	base.WhitelistedDirectories = nil
	base.EnableAuditLogging = nil

	opts := domain.SecurityValidationOptions{
		Policy:         c.Security.Policy,
		AllowedRoots:   append([]string(nil), roots...),
		EnableAuditLog: auditLog,
		RateLimit:      c.Security.RateLimit,
	}
	return PolicySettings{Kind: c.Security.Policy, Options: opts.Clone(), Base: base}
}
