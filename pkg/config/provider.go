package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/security"
	"github.com/polisai/polis-roots/pkg/telemetry"
)

// EnvQRDirectory supplies the environment-level output directory.
const EnvQRDirectory = "QR_DIRECTORY"

// DefaultDirectoryName is joined to the working directory when no default
// directory is configured.
const DefaultDirectoryName = "qrimages"

// ProviderOptions configure a Provider.
type ProviderOptions struct {
	// Factory builds the validator for the active policy. A private factory
	// is created when nil.
	Factory *security.Factory

	Policy        domain.SecurityPolicyKind
	PolicyOptions domain.SecurityValidationOptions

	DefaultDirectory  string
	ExplicitDirectory string

	// Getenv reads QR_DIRECTORY. Defaults to os.Getenv.
	Getenv func(string) string

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// state is an immutable snapshot of the resolver. Every mutation stores a
// new snapshot so readers never see a half-updated directory/source pair.
type state struct {
	defaultDir  string
	envDir      string
	rootsDir    string
	explicitDir string

	kind      domain.SecurityPolicyKind
	options   domain.SecurityValidationOptions
	validator *security.Validator

	resolved    string
	source      domain.ConfigSource
	lastUpdated time.Time
}

func (s *state) clone() *state {
	next := *s
	next.options = s.options.Clone()
	return &next
}

func (s *state) resolve() {
	switch {
	case s.explicitDir != "":
		s.resolved, s.source = s.explicitDir, domain.SourceExplicit
	case s.rootsDir != "":
		s.resolved, s.source = s.rootsDir, domain.SourceRoots
	case s.envDir != "":
		s.resolved, s.source = s.envDir, domain.SourceEnvironment
	default:
		s.resolved, s.source = s.defaultDir, domain.SourceDefault
	}
}

type pendingEvent struct {
	ctx   context.Context
	event domain.ConfigurationChangeEvent
}

type registration struct {
	id       uuid.UUID
	observer Observer
	sub      *Subscription
}

// Provider owns the current output directory and resolves it by precedence:
// explicit, then roots, then environment, then default.
//
// Reads are lock-free. Mutations are serialized and observers are notified
// in registration order after the new state is committed. Events are
// delivered one at a time in commit order: the mutating goroutine delivers
// its own event unless another goroutine is already delivering, in which case
// the event is queued behind the ones in flight.
type Provider struct {
	current atomic.Pointer[state]

	// mu guards mutations, pending and delivering.
	mu         sync.Mutex
	pending    []pendingEvent
	delivering bool

	obsMu     sync.Mutex
	observers []registration

	factory *security.Factory
	getenv  func(string) string
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewProvider builds a provider. The policy is validated through the factory
// and construction fails with a *domain.ConfigurationError if it is rejected.
func NewProvider(opts ProviderOptions) (*Provider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	factory := opts.Factory
	if factory == nil {
		factory = security.NewFactory(security.FactoryConfig{Logger: logger, Metrics: opts.Metrics})
	}

	kind := opts.Policy
	if kind == "" {
		kind = opts.PolicyOptions.Policy
	}
	options := opts.PolicyOptions.Clone()
	validator, err := factory.Create(kind, &options)
	if err != nil {
		return nil, err
	}

	defaultDir := strings.TrimSpace(opts.DefaultDirectory)
	if defaultDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		defaultDir = filepath.Join(wd, DefaultDirectoryName)
	}

	st := &state{
		defaultDir:  defaultDir,
		envDir:      strings.TrimSpace(getenv(EnvQRDirectory)),
		explicitDir: strings.TrimSpace(opts.ExplicitDirectory),
		kind:        validator.Kind(),
		options:     options,
		validator:   validator,
		lastUpdated: now(),
	}
	st.resolve()

	p := &Provider{
		factory: factory,
		getenv:  getenv,
		logger:  logger.With("component", "config_provider"),
		metrics: opts.Metrics,
		now:     now,
	}
	p.current.Store(st)

	p.logger.Info("Configuration provider initialized",
		"directory", st.resolved,
		"source", st.source.String(),
		"policy", string(st.kind),
	)
	return p, nil
}

func (p *Provider) snapshot() (*state, error) {
	if p == nil {
		return nil, domain.ErrProviderNotInitialized
	}
	st := p.current.Load()
	if st == nil {
		return nil, domain.ErrProviderNotInitialized
	}
	return st, nil
}

// CurrentQRDirectory returns the resolved directory. It never touches the
// filesystem. An uninitialized provider returns "".
func (p *Provider) CurrentQRDirectory() string {
	st, err := p.snapshot()
	if err != nil {
		return ""
	}
	return st.resolved
}

// ConfigurationSource reports which level supplied the current directory.
func (p *Provider) ConfigurationSource() domain.ConfigSource {
	st, err := p.snapshot()
	if err != nil {
		return domain.SourceDefault
	}
	return st.source
}

// Status returns the resolved directory, its source and the last commit time.
func (p *Provider) Status() domain.ConfigurationStatus {
	st, err := p.snapshot()
	if err != nil {
		return domain.ConfigurationStatus{}
	}
	return domain.ConfigurationStatus{
		CurrentDirectory: st.resolved,
		Source:           st.source,
		LastUpdated:      st.lastUpdated,
	}
}

// Policy returns the active policy kind and options.
func (p *Provider) Policy() (domain.SecurityPolicyKind, domain.SecurityValidationOptions) {
	st, err := p.snapshot()
	if err != nil {
		return "", domain.SecurityValidationOptions{}
	}
	return st.kind, st.options.Clone()
}

// Validator returns the validator built for the active policy.
func (p *Provider) Validator() *security.Validator {
	st, err := p.snapshot()
	if err != nil {
		return nil
	}
	return st.validator
}

// AllowedDirectories returns the whitelist currently in effect.
func (p *Provider) AllowedDirectories() []string {
	st, err := p.snapshot()
	if err != nil {
		return nil
	}
	return st.validator.AllowedDirectories()
}

// DirectoryInfo inspects the resolved directory. Nothing is cached.
func (p *Provider) DirectoryInfo(ctx context.Context) (domain.DirectoryInfo, error) {
	st, err := p.snapshot()
	if err != nil {
		return domain.DirectoryInfo{}, err
	}
	info := st.validator.Inspect(ctx, st.resolved)
	info.Path = st.resolved
	info.Source = st.source
	return info, nil
}

// UpdateFromRoots validates dir under the active policy and, if accepted,
// makes it the roots-level value. It reports whether dir was adopted; the
// error is reserved for an uninitialized provider.
func (p *Provider) UpdateFromRoots(ctx context.Context, dir string) (bool, error) {
	result, err := p.UpdateFromRootsResult(ctx, dir)
	if err != nil {
		return false, err
	}
	return result.Valid, nil
}

// UpdateFromRootsResult is UpdateFromRoots returning the validation result.
// A successful update always fires exactly one change event.
func (p *Provider) UpdateFromRootsResult(ctx context.Context, dir string) (domain.RootsValidationResult, error) {
	st, err := p.snapshot()
	if err != nil {
		return domain.RootsValidationResult{}, err
	}

	validator := st.validator
	result := validator.ValidateDirectorySecurity(ctx, dir, nil)

	p.mu.Lock()
	st = p.current.Load()
	if st.validator != validator {
		// The policy changed while validating; the verdict must come from the
		// policy that will be in force when the value is committed.
		result = st.validator.ValidateDirectorySecurity(ctx, dir, nil)
	}
	if !result.Valid {
		p.mu.Unlock()
		p.logger.Warn("Roots directory rejected",
			"directory", dir,
			"code", string(result.Code),
			"reason", result.Reason,
		)
		return result, nil
	}

	next := st.clone()
	next.rootsDir = result.NormalizedPath
	event := p.commit(st, next)
	deliver := p.enqueue(ctx, event)
	p.mu.Unlock()

	p.logger.Info("Roots directory adopted",
		"directory", result.NormalizedPath,
		"source", next.source.String(),
	)
	if deliver {
		p.deliver()
	}
	return result, nil
}

// ClearRootsConfiguration drops the roots-level value. An event fires only if
// the resolved directory or its source changes.
func (p *Provider) ClearRootsConfiguration() error {
	return p.mutate(context.Background(), "clear_roots", func(next *state) error {
		next.rootsDir = ""
		return nil
	})
}

// SetExplicitDirectory sets the highest precedence value. Explicit values are
// trusted and not validated.
func (p *Provider) SetExplicitDirectory(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return &domain.ConfigurationError{Field: "explicit_directory", Value: dir, Message: "must not be blank"}
	}
	return p.mutate(context.Background(), "set_explicit", func(next *state) error {
		next.explicitDir = dir
		return nil
	})
}

// ClearExplicitDirectory removes the explicit value.
func (p *Provider) ClearExplicitDirectory() error {
	return p.mutate(context.Background(), "clear_explicit", func(next *state) error {
		next.explicitDir = ""
		return nil
	})
}

// ReloadEnvironment re-reads QR_DIRECTORY.
func (p *Provider) ReloadEnvironment() error {
	return p.mutate(context.Background(), "reload_environment", func(next *state) error {
		next.envDir = strings.TrimSpace(p.getenv(EnvQRDirectory))
		return nil
	})
}

// SetPolicy switches the active policy. The current roots value is checked
// against the new policy and dropped if it no longer validates.
func (p *Provider) SetPolicy(ctx context.Context, kind domain.SecurityPolicyKind, opts domain.SecurityValidationOptions) error {
	if _, err := p.snapshot(); err != nil {
		return err
	}
	options := opts.Clone()
	validator, err := p.factory.Create(kind, &options)
	if err != nil {
		return err
	}

	return p.mutate(ctx, "set_policy", func(next *state) error {
		next.kind = validator.Kind()
		next.options = options
		next.validator = validator

		if next.rootsDir == "" {
			return nil
		}
		result := validator.ValidateDirectorySecurity(ctx, next.rootsDir, nil)
		if !result.Valid {
			p.logger.Warn("Roots directory no longer allowed by policy, dropping it",
				"directory", next.rootsDir,
				"policy", string(next.kind),
				"code", string(result.Code),
			)
			next.rootsDir = ""
		}
		return nil
	})
}

// OnConfigurationChange registers obs. Registering an observer that is
// already registered returns its existing subscription.
func (p *Provider) OnConfigurationChange(obs Observer) *Subscription {
	if p == nil || obs == nil {
		return nil
	}

	p.obsMu.Lock()
	defer p.obsMu.Unlock()

	for _, reg := range p.observers {
		if sameObserver(reg.observer, obs) {
			return reg.sub
		}
	}

	sub := &Subscription{ID: uuid.New(), provider: p, observer: obs}
	p.observers = append(p.observers, registration{id: sub.ID, observer: obs, sub: sub})
	return sub
}

// RemoveConfigurationObserver unregisters obs. Unknown observers are ignored.
func (p *Provider) RemoveConfigurationObserver(obs Observer) {
	if p == nil || obs == nil {
		return
	}

	p.obsMu.Lock()
	defer p.obsMu.Unlock()

	p.observers = slices.DeleteFunc(p.observers, func(reg registration) bool {
		return sameObserver(reg.observer, obs)
	})
}

func (p *Provider) removeSubscription(id uuid.UUID) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()

	p.observers = slices.DeleteFunc(p.observers, func(reg registration) bool {
		return reg.id == id
	})
}

// ObserverCount reports how many observers are registered.
func (p *Provider) ObserverCount() int {
	if p == nil {
		return 0
	}
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	return len(p.observers)
}

// mutate applies fn to a copy of the state under the mutation lock and fires
// an event if the resolved directory or source changed.
func (p *Provider) mutate(ctx context.Context, op string, fn func(next *state) error) error {
	if _, err := p.snapshot(); err != nil {
		return err
	}

	p.mu.Lock()
	prev := p.current.Load()
	next := prev.clone()
	if err := fn(next); err != nil {
		p.mu.Unlock()
		return err
	}
	next.resolve()
	changed := next.resolved != prev.resolved || next.source != prev.source
	if !changed {
		next.lastUpdated = prev.lastUpdated
		p.current.Store(next)
		p.mu.Unlock()
		p.logger.Debug("Configuration updated without directory change", "operation", op)
		return nil
	}
	event := p.commit(prev, next)
	deliver := p.enqueue(ctx, event)
	p.mu.Unlock()

	p.logger.Info("Configuration directory changed",
		"operation", op,
		"previous_directory", event.PreviousDirectory,
		"new_directory", event.NewDirectory,
		"source", event.NewSource.String(),
	)
	if deliver {
		p.deliver()
	}
	return nil
}

// commit stores next and returns the event describing the transition. The
// caller must hold p.mu.
func (p *Provider) commit(prev, next *state) domain.ConfigurationChangeEvent {
	next.resolve()
	next.lastUpdated = p.now()
	p.current.Store(next)

	return domain.ConfigurationChangeEvent{
		PreviousDirectory: prev.resolved,
		NewDirectory:      next.resolved,
		NewSource:         next.source,
		Timestamp:         next.lastUpdated,
	}
}

// enqueue queues event behind any undelivered ones and reports whether the
// caller must deliver the queue. The caller must hold p.mu.
func (p *Provider) enqueue(ctx context.Context, event domain.ConfigurationChangeEvent) bool {
	p.pending = append(p.pending, pendingEvent{ctx: context.WithoutCancel(ctx), event: event})
	if p.delivering {
		return false
	}
	p.delivering = true
	return true
}

// deliver dispatches queued events until the queue is empty. Events committed
// by observers or by other goroutines meanwhile are picked up by this loop.
func (p *Provider) deliver() {
	done := false
	defer func() {
		if !done {
			p.mu.Lock()
			p.delivering = false
			p.mu.Unlock()
		}
	}()

	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.delivering = false
			p.pending = nil
			p.mu.Unlock()
			done = true
			return
		}
		next := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		p.dispatch(next.ctx, next.event)
	}
}

func (p *Provider) dispatch(ctx context.Context, event domain.ConfigurationChangeEvent) {
	p.metrics.RecordConfigChange(event.NewSource)
	telemetry.RecordConfigChange(ctx, event)

	p.obsMu.Lock()
	observers := slices.Clone(p.observers)
	p.obsMu.Unlock()

	for _, reg := range observers {
		if err := notify(reg.observer, event); err != nil {
			p.metrics.RecordObserverFailure()
			telemetry.RecordObserverFailure(ctx)
			p.logger.LogAttrs(ctx, slog.LevelError, "Configuration observer failed",
				slog.String("subscription", reg.id.String()),
				slog.String("new_directory", event.NewDirectory),
				slog.Any("error", err),
			)
		}
	}
}

func notify(obs Observer, event domain.ConfigurationChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return obs.OnConfigurationChange(event)
}
