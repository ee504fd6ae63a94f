package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConfigSource identifies where the current directory came from. Sources are
// totally ordered by precedence: explicit > roots > environment > default.
type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceEnvironment
	SourceRoots
	SourceExplicit
)

// String returns the lowercase name of the source.
func (s ConfigSource) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceEnvironment:
		return "environment"
	case SourceRoots:
		return "roots"
	case SourceExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Outranks reports whether s has strictly higher precedence than other.
func (s ConfigSource) Outranks(other ConfigSource) bool {
	return s > other
}

// MarshalText implements encoding.TextMarshaler.
func (s ConfigSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConfigSource) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "default":
		*s = SourceDefault
	case "environment":
		*s = SourceEnvironment
	case "roots":
		*s = SourceRoots
	case "explicit":
		*s = SourceExplicit
	default:
		return fmt.Errorf("unknown config source %q", text)
	}
	return nil
}

// ConfigurationStatus is the externally visible view of resolved state.
type ConfigurationStatus struct {
	CurrentDirectory string       `json:"current_directory"`
	Source           ConfigSource `json:"source"`
	LastUpdated      time.Time    `json:"last_updated"`
}

// ConfigurationChangeEvent is emitted once per committed mutation that
// changes the resolved directory or its source.
type ConfigurationChangeEvent struct {
	PreviousDirectory string       `json:"previous_directory"`
	NewDirectory      string       `json:"new_directory"`
	NewSource         ConfigSource `json:"new_source"`
	Timestamp         time.Time    `json:"timestamp"`
}

// DirectoryInfo is derived status for a directory, recomputed on demand.
type DirectoryInfo struct {
	Path            string       `json:"path"`
	Exists          bool         `json:"exists"`
	Writable        bool         `json:"writable"`
	WithinWhitelist bool         `json:"within_whitelist"`
	Source          ConfigSource `json:"source"`
}
