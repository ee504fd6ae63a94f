package security

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

const fileScheme = "file://"

// canonicalize converts raw into an absolute, clean, symlink-resolved path.
// Relative input is anchored at base. It returns "" for input that cannot be
// turned into a path at all.
func canonicalize(raw, base string) string {
	p, ok := toLocalPath(raw)
	if !ok {
		return ""
	}
	if !filepath.IsAbs(p) {
		if base == "" {
			base = workingDirectory()
		}
		p = filepath.Join(base, p)
	}
	return resolveSymlinks(filepath.Clean(p))
}

// toLocalPath strips surrounding whitespace, decodes file:// URIs and, on Windows,
// unifies separators. The result may still be relative.
func toLocalPath(raw string) (string, bool) {
	p := strings.TrimSpace(raw)
	if p == "" || strings.ContainsRune(p, 0) {
		return "", false
	}

	if len(p) >= len(fileScheme) && strings.EqualFold(p[:len(fileScheme)], fileScheme) {
		u, err := url.Parse(p)
		if err != nil || u.Path == "" {
			return "", false
		}
		p = u.Path
		// file:///C:/dir decodes to /C:/dir
		if runtime.GOOS == "windows" && len(p) > 2 && p[0] == '/' && p[2] == ':' {
			p = p[1:]
		}
	}

	if runtime.GOOS == "windows" {
		p = strings.ReplaceAll(p, `\`, "/")
	}
	return filepath.FromSlash(p), true
}

// isRelative reports whether raw names a relative location.
func isRelative(raw string) bool {
	p, ok := toLocalPath(raw)
	return ok && !filepath.IsAbs(p)
}

// resolveSymlinks evaluates symlinks on the longest existing prefix of p and
// re-appends the components that do not exist yet.
func resolveSymlinks(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}

	var tail []string
	current := p
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return p
		}
		tail = append(tail, filepath.Base(current))
		current = parent

		resolved, err := filepath.EvalSymlinks(current)
		if err != nil {
			continue
		}
		for i := len(tail) - 1; i >= 0; i-- {
			resolved = filepath.Join(resolved, tail[i])
		}
		return resolved
	}
}

// withinRoot reports whether path equals root or is a separator-bounded
// descendant of it. Both arguments must already be normalized.
func withinRoot(path, root string, fold bool) bool {
	if root == "" {
		return false
	}
	if fold {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if path == root {
		return true
	}
	if strings.HasSuffix(root, string(filepath.Separator)) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// IsDirectoryAllowed reports whether directory falls inside any of
// allowedRoots. Both sides are normalized against the working directory and
// compared case-sensitively; an empty root list allows nothing.
func IsDirectoryAllowed(directory string, allowedRoots []string) bool {
	base := workingDirectory()
	normalized := canonicalize(directory, base)
	if normalized == "" {
		return false
	}
	for _, root := range allowedRoots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		if withinRoot(normalized, canonicalize(root, base), false) {
			return true
		}
	}
	return false
}
