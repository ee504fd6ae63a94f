package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-roots/pkg/security"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "roots/decision").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates directory rules using an embedded OPA instance. It
// implements security.RuleEvaluator.
//
// The decision document may be a boolean or an object of the form
// {"allow": bool, "reason": string}. An undefined decision denies.
type Engine struct {
	entrypoint string
	prepared   rego.PreparedEvalQuery
	cache      *lru.Cache[string, security.RuleDecision]
	logger     *slog.Logger
}

const (
	defaultEntrypoint    = "roots/decision"
	defaultCacheCapacity = 1024
)

// NewEngine parses and compiles the supplied modules.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *lru.Cache[string, security.RuleDecision]
	if maxEntries > 0 {
		var err error
		if cache, err = lru.New[string, security.RuleDecision](maxEntries); err != nil {
			return nil, fmt.Errorf("create decision cache: %w", err)
		}
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	slices.Sort(moduleOrder)

	regoOpts := make([]func(*rego.Rego), 0, len(moduleOrder)+1)
	regoOpts = append(regoOpts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		entrypoint: entry,
		prepared:   prepared,
		cache:      cache,
		logger:     logger.With("component", "policy_engine", "entrypoint", entry),
	}, nil
}

// LoadModules reads every .rego file named by paths. Directories are scanned
// (non-recursively) for .rego files.
func LoadModules(paths ...string) (map[string]string, error) {
	modules := make(map[string]string)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat rego path %s: %w", p, err)
		}

		files := []string{p}
		if info.IsDir() {
			files, err = filepath.Glob(filepath.Join(p, "*.rego"))
			if err != nil {
				return nil, fmt.Errorf("list rego modules in %s: %w", p, err)
			}
		}

		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("read rego module %s: %w", f, err)
			}
			modules[f] = string(data)
		}
	}
	if len(modules) == 0 {
		return nil, errors.New("no rego modules found")
	}
	return modules, nil
}

// Evaluate answers whether input may be used as a directory.
func (e *Engine) Evaluate(ctx context.Context, input security.RuleInput) (security.RuleDecision, error) {
	key, shouldCache := e.cacheKey(input)
	if shouldCache {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}

	payload := map[string]any{
		"directory":       input.Directory,
		"normalized_path": input.NormalizedPath,
		"policy":          string(input.Policy),
		"whitelist":       slices.Clone(input.Whitelist),
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return security.RuleDecision{}, fmt.Errorf("opa decision: %w", err)
	}

	decision, err := parseDecision(results)
	if err != nil {
		return security.RuleDecision{}, err
	}

	e.logger.Debug("Directory rule evaluated",
		"normalized_path", input.NormalizedPath,
		"allow", decision.Allow,
	)

	if shouldCache {
		e.cache.Add(key, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func parseDecision(results rego.ResultSet) (security.RuleDecision, error) {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return security.RuleDecision{Allow: false, Reason: "directory rule produced no decision"}, nil
	}

	switch value := results[0].Expressions[0].Value.(type) {
	case bool:
		decision := security.RuleDecision{Allow: value}
		if !value {
			decision.Reason = "denied by directory rule"
		}
		return decision, nil
	case map[string]any:
		allow, ok := value["allow"].(bool)
		if !ok {
			return security.RuleDecision{}, fmt.Errorf("opa decision: allow must be boolean, got %T", value["allow"])
		}
		reason, _ := value["reason"].(string)
		return security.RuleDecision{Allow: allow, Reason: reason}, nil
	default:
		return security.RuleDecision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}

// cacheKey generates a deterministic hash key for caching rule decisions.
func (e *Engine) cacheKey(input security.RuleInput) (string, bool) {
	if e.cache == nil {
		return "", false
	}

	h := sha256.New()
	writeCacheKeyField(h, e.entrypoint)
	writeCacheKeyField(h, input.Directory)
	writeCacheKeyField(h, input.NormalizedPath)
	writeCacheKeyField(h, string(input.Policy))
	whitelist := slices.Clone(input.Whitelist)
	slices.Sort(whitelist)
	writeCacheKeyField(h, strings.Join(whitelist, "\x1f"))

	return hex.EncodeToString(h.Sum(nil)), true
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}
