package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-roots/pkg/audit"
	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/security"
)

func resolvedTempDir(t testing.TB) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

type env map[string]string

func (e env) get(key string) string { return e[key] }

type recorder struct {
	mu     sync.Mutex
	events []domain.ConfigurationChangeEvent
}

func (r *recorder) OnConfigurationChange(event domain.ConfigurationChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) Events() []domain.ConfigurationChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConfigurationChangeEvent(nil), r.events...)
}

type fixture struct {
	base     string
	qr       string
	provider *Provider
	env      env
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	base := resolvedTempDir(t)
	qr := filepath.Join(base, "qrimages")
	require.NoError(t, os.MkdirAll(qr, 0o755))

	f := &fixture{base: base, qr: qr, env: env{}}
	p, err := NewProvider(ProviderOptions{
		Factory:          security.NewFactory(security.FactoryConfig{AuditSink: audit.NewMemorySink()}),
		Policy:           domain.PolicyStandard,
		PolicyOptions:    domain.SecurityValidationOptions{AllowedRoots: []string{qr}},
		DefaultDirectory: filepath.Join(base, "default"),
		Getenv:           func(k string) string { return f.env[k] },
	})
	require.NoError(t, err)
	f.provider = p
	return f
}

func TestProvider_DefaultDirectory(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, filepath.Join(f.base, "default"), f.provider.CurrentQRDirectory())
	assert.Equal(t, domain.SourceDefault, f.provider.ConfigurationSource())
	assert.Equal(t, []string{f.qr}, f.provider.AllowedDirectories())

	p, err := NewProvider(ProviderOptions{Getenv: env{}.get})
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, DefaultDirectoryName), p.CurrentQRDirectory())
	kind, _ := p.Policy()
	assert.Equal(t, domain.PolicyStrict, kind)
}

func TestProvider_Precedence(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.provider.OnConfigurationChange(rec)

	f.env[EnvQRDirectory] = filepath.Join(f.base, "env")
	require.NoError(t, f.provider.ReloadEnvironment())
	assert.Equal(t, filepath.Join(f.base, "env"), f.provider.CurrentQRDirectory())
	assert.Equal(t, domain.SourceEnvironment, f.provider.ConfigurationSource())

	ok, err := f.provider.UpdateFromRoots(context.Background(), f.qr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.qr, f.provider.CurrentQRDirectory())
	assert.Equal(t, domain.SourceRoots, f.provider.ConfigurationSource())

	require.NoError(t, f.provider.SetExplicitDirectory(filepath.Join(f.base, "explicit")))
	assert.Equal(t, domain.SourceExplicit, f.provider.ConfigurationSource())

	require.NoError(t, f.provider.ClearRootsConfiguration())
	assert.Equal(t, filepath.Join(f.base, "explicit"), f.provider.CurrentQRDirectory(), "explicit survives clearing roots")

	require.NoError(t, f.provider.ClearExplicitDirectory())
	assert.Equal(t, filepath.Join(f.base, "env"), f.provider.CurrentQRDirectory())

	// env, roots, explicit, (clear roots: no change), env
	events := rec.Events()
	require.Len(t, events, 4)
	assert.Equal(t, domain.SourceEnvironment, events[0].NewSource)
	assert.Equal(t, domain.SourceRoots, events[1].NewSource)
	assert.Equal(t, filepath.Join(f.base, "env"), events[1].PreviousDirectory)
	assert.Equal(t, domain.SourceExplicit, events[2].NewSource)
	assert.Equal(t, domain.SourceEnvironment, events[3].NewSource)
}

func TestProvider_ClearRootsFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.env[EnvQRDirectory] = "/b"
	require.NoError(t, f.provider.ReloadEnvironment())

	ok, err := f.provider.UpdateFromRoots(context.Background(), f.qr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.qr, f.provider.CurrentQRDirectory())

	rec := &recorder{}
	f.provider.OnConfigurationChange(rec)
	require.NoError(t, f.provider.ClearRootsConfiguration())
	assert.Equal(t, "/b", f.provider.CurrentQRDirectory())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, f.qr, rec.Events()[0].PreviousDirectory)

	require.NoError(t, f.provider.ClearRootsConfiguration())
	assert.Len(t, rec.Events(), 1, "clearing absent roots changes nothing")
}

func TestProvider_PrecedenceProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		hasEnv := rapid.Bool().Draw(t, "env")
		hasRoots := rapid.Bool().Draw(t, "roots")
		hasExplicit := rapid.Bool().Draw(t, "explicit")

		f.env[EnvQRDirectory] = ""
		if hasEnv {
			f.env[EnvQRDirectory] = "/from/env"
		}
		if err := f.provider.ReloadEnvironment(); err != nil {
			t.Fatal(err)
		}
		if err := f.provider.ClearRootsConfiguration(); err != nil {
			t.Fatal(err)
		}
		if hasRoots {
			if ok, err := f.provider.UpdateFromRoots(ctx, f.qr); err != nil || !ok {
				t.Fatalf("roots update failed: %v %v", ok, err)
			}
		}
		if err := f.provider.ClearExplicitDirectory(); err != nil {
			t.Fatal(err)
		}
		if hasExplicit {
			if err := f.provider.SetExplicitDirectory("/from/explicit"); err != nil {
				t.Fatal(err)
			}
		}

		wantDir, wantSource := filepath.Join(f.base, "default"), domain.SourceDefault
		switch {
		case hasExplicit:
			wantDir, wantSource = "/from/explicit", domain.SourceExplicit
		case hasRoots:
			wantDir, wantSource = f.qr, domain.SourceRoots
		case hasEnv:
			wantDir, wantSource = "/from/env", domain.SourceEnvironment
		}

		status := f.provider.Status()
		if status.CurrentDirectory != wantDir || status.Source != wantSource {
			t.Fatalf("got (%s, %s), want (%s, %s)", status.CurrentDirectory, status.Source, wantDir, wantSource)
		}
	})
}

func TestProvider_RejectedRootLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.provider.OnConfigurationChange(rec)
	before := f.provider.Status()

	result, err := f.provider.UpdateFromRootsResult(context.Background(), filepath.Join(f.base, "elsewhere"))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, domain.CodeNotWhitelisted, result.Code)

	assert.Equal(t, before, f.provider.Status())
	assert.Empty(t, rec.Events())
}

func TestProvider_SuccessfulUpdateFiresExactlyOneEvent(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	f.provider.OnConfigurationChange(rec)

	for range 2 {
		ok, err := f.provider.UpdateFromRoots(context.Background(), f.qr)
		require.NoError(t, err)
		require.True(t, ok)
	}

	events := rec.Events()
	require.Len(t, events, 2, "every accepted update is announced")
	assert.Equal(t, f.qr, events[0].NewDirectory)
	assert.Equal(t, domain.SourceRoots, events[0].NewSource)
	assert.Equal(t, f.qr, events[1].PreviousDirectory)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestProvider_ObserverOrderAndIsolation(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	f.provider.OnConfigurationChange(ObserverFunc(func(domain.ConfigurationChangeEvent) error {
		record("first")
		panic("boom")
	}))
	f.provider.OnConfigurationChange(ObserverFunc(func(domain.ConfigurationChangeEvent) error {
		record("second")
		return errors.New("observer failed")
	}))
	f.provider.OnConfigurationChange(ObserverFunc(func(event domain.ConfigurationChangeEvent) error {
		record("third")
		return nil
	}))

	ok, err := f.provider.UpdateFromRoots(context.Background(), f.qr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, f.qr, f.provider.CurrentQRDirectory(), "observer failures must not undo the commit")
}

func TestProvider_EventsDeliveredInCommitOrder(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var active, maxActive int
	var mu sync.Mutex
	var delivered []domain.ConfigurationChangeEvent

	f.provider.OnConfigurationChange(ObserverFunc(func(event domain.ConfigurationChangeEvent) error {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		delivered = append(delivered, event)
		mu.Unlock()

		once.Do(func() {
			close(entered)
			<-release
		})

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ok, err := f.provider.UpdateFromRoots(context.Background(), f.qr)
		assert.NoError(t, err)
		assert.True(t, ok)
	}()

	<-entered
	require.NoError(t, f.provider.ClearRootsConfiguration())
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 2)
	assert.Equal(t, domain.SourceRoots, delivered[0].NewSource)
	assert.Equal(t, domain.SourceDefault, delivered[1].NewSource)
	assert.Equal(t, f.provider.CurrentQRDirectory(), delivered[1].NewDirectory,
		"the last delivered event matches the committed state")
	assert.Equal(t, 1, maxActive, "an observer never runs concurrently with itself")
}

func TestProvider_ObserverMayMutate(t *testing.T) {
	f := newFixture(t)
	explicit := filepath.Join(f.base, "explicit")
	rec := &recorder{}

	f.provider.OnConfigurationChange(ObserverFunc(func(event domain.ConfigurationChangeEvent) error {
		if event.NewSource == domain.SourceRoots {
			return f.provider.SetExplicitDirectory(explicit)
		}
		return nil
	}))
	f.provider.OnConfigurationChange(rec)

	ok, err := f.provider.UpdateFromRoots(context.Background(), f.qr)
	require.NoError(t, err)
	require.True(t, ok)

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, f.qr, events[0].NewDirectory)
	assert.Equal(t, explicit, events[1].NewDirectory)
	assert.Equal(t, explicit, f.provider.CurrentQRDirectory())
}

func TestProvider_ObserverRegistrationIdempotent(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	first := f.provider.OnConfigurationChange(rec)
	second := f.provider.OnConfigurationChange(rec)
	require.NotNil(t, first)
	assert.Same(t, first, second)
	assert.Equal(t, 1, f.provider.ObserverCount())

	require.NoError(t, f.provider.SetExplicitDirectory("/x"))
	assert.Len(t, rec.Events(), 1)

	f.provider.RemoveConfigurationObserver(rec)
	f.provider.RemoveConfigurationObserver(rec)
	f.provider.RemoveConfigurationObserver(&recorder{})
	assert.Equal(t, 0, f.provider.ObserverCount())

	require.NoError(t, f.provider.SetExplicitDirectory("/y"))
	assert.Len(t, rec.Events(), 1)
}

func TestProvider_SubscriptionUnsubscribe(t *testing.T) {
	f := newFixture(t)
	calls := 0
	obs := ObserverFunc(func(domain.ConfigurationChangeEvent) error {
		calls++
		return nil
	})

	sub := f.provider.OnConfigurationChange(obs)
	assert.Same(t, sub, f.provider.OnConfigurationChange(obs))

	require.NoError(t, f.provider.SetExplicitDirectory("/x"))
	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, f.provider.SetExplicitDirectory("/y"))

	assert.Equal(t, 1, calls)
	assert.Nil(t, f.provider.OnConfigurationChange(nil))
}

func TestProvider_ZeroValue(t *testing.T) {
	var p Provider

	ok, err := p.UpdateFromRoots(context.Background(), "/tmp")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrProviderNotInitialized)

	assert.ErrorIs(t, p.ClearRootsConfiguration(), domain.ErrProviderNotInitialized)
	assert.ErrorIs(t, p.SetExplicitDirectory("/x"), domain.ErrProviderNotInitialized)
	assert.ErrorIs(t, p.SetPolicy(context.Background(), domain.PolicyStrict, domain.SecurityValidationOptions{}), domain.ErrProviderNotInitialized)

	_, err = p.DirectoryInfo(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderNotInitialized)
	assert.Equal(t, "", p.CurrentQRDirectory())
	assert.Nil(t, p.AllowedDirectories())
}

func TestProvider_InvalidPolicy(t *testing.T) {
	_, err := NewProvider(ProviderOptions{Policy: "paranoid", Getenv: env{}.get})
	require.Error(t, err)
	assert.True(t, domain.IsConfigurationError(err))

	f := newFixture(t)
	rate := 500.0
	err = f.provider.SetPolicy(context.Background(), domain.PolicyStandard, domain.SecurityValidationOptions{RateLimit: &rate})
	assert.True(t, domain.IsConfigurationError(err))
	kind, _ := f.provider.Policy()
	assert.Equal(t, domain.PolicyStandard, kind)
}

func TestProvider_SetPolicyDropsInvalidRoots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &recorder{}

	ok, err := f.provider.UpdateFromRoots(ctx, f.qr)
	require.NoError(t, err)
	require.True(t, ok)
	f.provider.OnConfigurationChange(rec)

	// Still whitelisted: roots value is kept and nothing is announced.
	require.NoError(t, f.provider.SetPolicy(ctx, domain.PolicyPermissive, domain.SecurityValidationOptions{AllowedRoots: []string{f.base}}))
	assert.Equal(t, f.qr, f.provider.CurrentQRDirectory())
	assert.Empty(t, rec.Events())
	assert.Equal(t, []string{f.base}, f.provider.AllowedDirectories())

	other := filepath.Join(f.base, "other")
	require.NoError(t, f.provider.SetPolicy(ctx, domain.PolicyStandard, domain.SecurityValidationOptions{AllowedRoots: []string{other}}))
	assert.Equal(t, filepath.Join(f.base, "default"), f.provider.CurrentQRDirectory())
	assert.Equal(t, domain.SourceDefault, f.provider.ConfigurationSource())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, f.qr, rec.Events()[0].PreviousDirectory)
}

func TestProvider_DirectoryInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.provider.DirectoryInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.base, "default"), info.Path)
	assert.False(t, info.Exists)
	assert.False(t, info.WithinWhitelist)
	assert.Equal(t, domain.SourceDefault, info.Source)

	ok, err := f.provider.UpdateFromRoots(ctx, f.qr)
	require.NoError(t, err)
	require.True(t, ok)

	info, err = f.provider.DirectoryInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.qr, info.Path)
	assert.True(t, info.Exists)
	assert.True(t, info.WithinWhitelist)
	assert.Equal(t, domain.SourceRoots, info.Source)

	require.NoError(t, os.Remove(f.qr))
	info, err = f.provider.DirectoryInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.Exists, "directory info is recomputed on every call")
}

func TestProvider_ConcurrentMutationsStayConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.provider.UpdateFromRoots(ctx, f.qr)
			} else {
				_ = f.provider.ClearRootsConfiguration()
			}
			status := f.provider.Status()
			switch status.Source {
			case domain.SourceRoots:
				assert.Equal(t, f.qr, status.CurrentDirectory)
			case domain.SourceDefault:
				assert.Equal(t, filepath.Join(f.base, "default"), status.CurrentDirectory)
			default:
				t.Errorf("unexpected source %s", status.Source)
			}
		}(i)
	}
	wg.Wait()
}

func TestProvider_StatusTimestamp(t *testing.T) {
	base := resolvedTempDir(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := NewProvider(ProviderOptions{
		DefaultDirectory: base,
		Getenv:           env{}.get,
		Now:              func() time.Time { return clock },
	})
	require.NoError(t, err)
	assert.Equal(t, clock, p.Status().LastUpdated)

	clock = clock.Add(time.Minute)
	require.NoError(t, p.SetExplicitDirectory("/x"))
	assert.Equal(t, clock, p.Status().LastUpdated)

	clock = clock.Add(time.Minute)
	require.NoError(t, p.SetExplicitDirectory("/x"))
	assert.Equal(t, clock.Add(-time.Minute), p.Status().LastUpdated, "no-op mutation keeps the timestamp")

	assert.True(t, domain.IsConfigurationError(p.SetExplicitDirectory("  ")))
}
