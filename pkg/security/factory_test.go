package security

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-roots/pkg/audit"
	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/telemetry"
)

func ptr[T any](v T) *T { return &v }

func newTestFactory() *Factory {
	return NewFactory(FactoryConfig{AuditSink: audit.NewMemorySink()})
}

func TestFactory_Defaults(t *testing.T) {
	f := newTestFactory()

	tests := []struct {
		kind  domain.SecurityPolicyKind
		audit bool
		rate  float64
	}{
		{domain.PolicyStrict, true, 1},
		{domain.PolicyStandard, true, 2},
		{domain.PolicyPermissive, false, 5},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			v, err := f.Create(tt.kind, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.audit, v.Policy().EnableAuditLogging)
			assert.Equal(t, tt.rate, v.RateLimit())
			assert.Empty(t, v.AllowedDirectories())
		})
	}
}

func TestFactory_EmptyKindFallsBack(t *testing.T) {
	f := newTestFactory()

	v, err := f.Create("", &domain.SecurityValidationOptions{Policy: domain.PolicyPermissive})
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyPermissive, v.Kind())

	v, err = f.Create("", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyStrict, v.Kind())
}

func TestFactory_CacheIdentity(t *testing.T) {
	base := resolvedTempDir(t)
	f := newTestFactory()

	a, err := f.Create(domain.PolicyStandard, &domain.SecurityValidationOptions{
		AllowedRoots: []string{base + "/b", base + "/a"},
	})
	require.NoError(t, err)

	b, err := f.Create(domain.PolicyStandard, &domain.SecurityValidationOptions{
		AllowedRoots:   []string{base + "/a", base + "/b"},
		EnableAuditLog: ptr(true),
		RateLimit:      ptr(2.0),
	})
	require.NoError(t, err)
	assert.Same(t, a, b, "equivalent options must share a validator")

	c, err := f.Create(domain.PolicyStandard, &domain.SecurityValidationOptions{
		AllowedRoots: []string{base + "/a", base + "/b"},
		RateLimit:    ptr(3.0),
	})
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	info := f.CacheInfo()
	assert.Equal(t, 2, info.Count)
	assert.Len(t, info.Keys, 2)
	assert.Contains(t, info.Keys, "standard|"+base+"/a,"+base+"/b|true|2")

	f.ClearCache()
	assert.Equal(t, 0, f.CacheInfo().Count)

	d, err := f.Create(domain.PolicyStandard, &domain.SecurityValidationOptions{
		AllowedRoots: []string{base + "/a", base + "/b"},
	})
	require.NoError(t, err)
	assert.NotSame(t, a, d, "cleared cache must build a fresh validator")
}

func TestFactory_InvalidOptions(t *testing.T) {
	f := newTestFactory()

	tests := []struct {
		name  string
		kind  domain.SecurityPolicyKind
		opts  *domain.SecurityValidationOptions
		field string
	}{
		{name: "unknown kind", kind: "paranoid", field: "policy"},
		{name: "rate too low", kind: domain.PolicyStrict, opts: &domain.SecurityValidationOptions{RateLimit: ptr(0.05)}, field: "rate_limit"},
		{name: "rate too high", kind: domain.PolicyStrict, opts: &domain.SecurityValidationOptions{RateLimit: ptr(100.5)}, field: "rate_limit"},
		{name: "rate NaN", kind: domain.PolicyStrict, opts: &domain.SecurityValidationOptions{RateLimit: ptr(math.NaN())}, field: "rate_limit"},
		{name: "blank root", kind: domain.PolicyStandard, opts: &domain.SecurityValidationOptions{AllowedRoots: []string{"/ok", "  "}}, field: "allowed_roots[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := f.Create(tt.kind, tt.opts)
			require.Error(t, err)
			assert.Nil(t, v)
			assert.True(t, domain.IsConfigurationError(err))

			var cfgErr *domain.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
	assert.Equal(t, 0, f.CacheInfo().Count)
}

func TestFactory_RateLimitBoundsProperty(t *testing.T) {
	f := newTestFactory()

	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(-10, 200).Draw(t, "rate")
		v, err := f.Create(domain.PolicyPermissive, &domain.SecurityValidationOptions{RateLimit: &rate})

		inBounds := rate >= domain.MinRateLimit && rate <= domain.MaxRateLimit
		if inBounds && err != nil {
			t.Fatalf("rate %v rejected: %v", rate, err)
		}
		if !inBounds && err == nil {
			t.Fatalf("rate %v accepted", rate)
		}
		if inBounds && v.RateLimit() != rate {
			t.Fatalf("rate %v stored as %v", rate, v.RateLimit())
		}
	})
}

func TestFactory_ConcurrentCreateBuildsOnce(t *testing.T) {
	base := resolvedTempDir(t)
	f := newTestFactory()

	const workers = 32
	results := make([]*Validator, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.Create(domain.PolicyStandard, &domain.SecurityValidationOptions{AllowedRoots: []string{base}})
			if err == nil {
				results[i] = v
			}
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		require.NotNil(t, v)
		assert.Same(t, results[0], v)
	}
	assert.Equal(t, 1, f.CacheInfo().Count)
}

func TestFactory_SetBaseClearsCache(t *testing.T) {
	base := resolvedTempDir(t)
	f := newTestFactory()

	before, err := f.Create(domain.PolicyStandard, &domain.SecurityValidationOptions{AllowedRoots: []string{base}})
	require.NoError(t, err)
	assert.Equal(t, 1024, before.Policy().MaxPathLength)

	f.SetBase(PolicyOverrides{MaxPathLength: ptr(64), ForbiddenPatterns: []string{"tmp"}})
	assert.Equal(t, 0, f.CacheInfo().Count)

	after, err := f.Create(domain.PolicyStandard, &domain.SecurityValidationOptions{AllowedRoots: []string{base}})
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, 64, after.Policy().MaxPathLength)
	assert.Equal(t, []string{"tmp"}, after.Policy().ForbiddenPatterns)
	assert.Equal(t, ptr(64), f.Base().MaxPathLength)
}

func TestFactory_BaseWhitelistIgnored(t *testing.T) {
	base := resolvedTempDir(t)
	f := NewFactory(FactoryConfig{
		Base:      PolicyOverrides{WhitelistedDirectories: []string{base}},
		AuditSink: audit.NewMemorySink(),
	})

	v, err := f.Create(domain.PolicyStandard, nil)
	require.NoError(t, err)
	assert.Empty(t, v.AllowedDirectories())
}

func TestFactory_RecordsCacheLookups(t *testing.T) {
	metrics := telemetry.NewMetrics()
	f := NewFactory(FactoryConfig{AuditSink: audit.NewMemorySink(), Metrics: metrics})

	_, err := f.Create(domain.PolicyStandard, nil)
	require.NoError(t, err)
	_, err = f.Create(domain.PolicyStandard, nil)
	require.NoError(t, err)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)

	series := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "roots_factory_cache_lookups_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				series[label.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{"hit": 1, "miss": 1}, series)
}

func TestFactory_AvailablePolicies(t *testing.T) {
	f := newTestFactory()
	assert.Equal(t, []domain.SecurityPolicyKind{domain.PolicyStrict, domain.PolicyStandard, domain.PolicyPermissive}, f.AvailablePolicies())
}
