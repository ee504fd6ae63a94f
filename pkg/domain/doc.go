// Package domain defines the core types shared by the roots validation engine
// and the directory configuration resolver.
//
// This package contains pure domain types with ZERO external dependencies
// outside the Go standard library. Packages that implement behaviour
// (security, config, roots, audit) depend on these types; the dependency
// direction is always:
//
//	security/config/roots → domain (CORRECT)
//	domain → security/config/roots (FORBIDDEN)
package domain
