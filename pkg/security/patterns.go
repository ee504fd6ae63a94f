package security

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

type patternKind int

const (
	patternSubstring patternKind = iota
	patternPrefix
	patternGlob
)

// forbiddenPattern is a compiled ForbiddenPatterns entry.
type forbiddenPattern struct {
	raw  string
	kind patternKind
	// needle is the comparison form: slash-separated for prefixes, folded
	// when matching case-insensitively.
	needle string
	fold   bool
	glob   glob.Glob
}

func compilePatterns(patterns []string, caseInsensitive bool) ([]forbiddenPattern, error) {
	out := make([]forbiddenPattern, 0, len(patterns))
	for _, raw := range patterns {
		if raw == "" {
			continue
		}
		p, err := compilePattern(raw, caseInsensitive)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func compilePattern(raw string, caseInsensitive bool) (forbiddenPattern, error) {
	p := forbiddenPattern{raw: raw, fold: caseInsensitive}

	switch {
	case strings.ContainsAny(raw, "*?[{"):
		source := toSlash(raw)
		if caseInsensitive {
			source = strings.ToLower(source)
		}
		g, err := glob.Compile(source, '/')
		if err != nil {
			return forbiddenPattern{}, fmt.Errorf("compile forbidden pattern %q: %w", raw, err)
		}
		p.kind = patternGlob
		p.glob = g
		p.needle = source
	case isAbsolutePattern(raw):
		p.kind = patternPrefix
		// Drive-letter paths live on case-insensitive filesystems.
		p.fold = caseInsensitive || hasDriveLetter(raw)
		p.needle = strings.TrimSuffix(toSlash(raw), "/")
		if p.fold {
			p.needle = strings.ToLower(p.needle)
		}
	default:
		p.kind = patternSubstring
		p.needle = raw
		if caseInsensitive {
			p.needle = strings.ToLower(raw)
		}
	}
	return p, nil
}

// matches reports whether candidate trips the pattern.
func (p forbiddenPattern) matches(candidate string) bool {
	switch p.kind {
	case patternGlob:
		c := toSlash(candidate)
		if p.fold {
			c = strings.ToLower(c)
		}
		return p.glob.Match(c)
	case patternPrefix:
		c := toSlash(candidate)
		if p.fold {
			c = strings.ToLower(c)
		}
		if p.needle == "" {
			return strings.HasPrefix(c, "/")
		}
		return c == p.needle || strings.HasPrefix(c, p.needle+"/")
	default:
		c := candidate
		if p.fold {
			c = strings.ToLower(c)
		}
		return strings.Contains(c, p.needle)
	}
}

// matchForbidden returns the first pattern matched by any of candidates.
func matchForbidden(patterns []forbiddenPattern, candidates ...string) (string, bool) {
	for _, p := range patterns {
		for _, c := range candidates {
			if c != "" && p.matches(c) {
				return p.raw, true
			}
		}
	}
	return "", false
}

func toSlash(s string) string {
	return strings.ReplaceAll(s, `\`, "/")
}

func hasDriveLetter(s string) bool {
	if len(s) < 2 || s[1] != ':' {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAbsolutePattern(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, `\`) || hasDriveLetter(s)
}
