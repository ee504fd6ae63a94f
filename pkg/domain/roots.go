package domain

import "time"

// RootsNotification is a single "roots changed" event declared by a client.
type RootsNotification struct {
	Roots      []string          `json:"roots" yaml:"roots"`
	Source     map[string]string `json:"source,omitempty" yaml:"source,omitempty"`
	ReceivedAt time.Time         `json:"received_at,omitempty" yaml:"received_at,omitempty"`
}

// RejectionCode identifies which rule rejected a directory.
type RejectionCode string

const (
	CodeNone             RejectionCode = ""
	CodeInvalidInput     RejectionCode = "invalid_input"
	CodePathTooLong      RejectionCode = "path_too_long"
	CodeRelativePath     RejectionCode = "relative_path"
	CodeForbiddenPattern RejectionCode = "forbidden_pattern"
	CodeNotWhitelisted   RejectionCode = "not_whitelisted"
	CodePolicyRuleDenied RejectionCode = "policy_rule_denied"
	CodeWriteDenied      RejectionCode = "write_permission_denied"
	CodeFilesystemFault  RejectionCode = "filesystem_error"
	CodeRateLimited      RejectionCode = "rate_limited"
	CodeNoRoots          RejectionCode = "no_roots"
	CodeNoValidRoot      RejectionCode = "no_valid_root"
)

// IsFilesystemFault reports whether the code means the check could not be
// performed, as opposed to being denied by policy.
func (c RejectionCode) IsFilesystemFault() bool {
	return c == CodeFilesystemFault
}

// RootsValidationResult is the outcome of checking one directory.
type RootsValidationResult struct {
	Directory      string        `json:"directory"`
	Valid          bool          `json:"valid"`
	NormalizedPath string        `json:"normalized_path"`
	Reason         string        `json:"reason,omitempty"`
	Code           RejectionCode `json:"code,omitempty"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// Accepted builds a successful result.
func Accepted(directory, normalized string, at time.Time) RootsValidationResult {
	return RootsValidationResult{
		Directory:      directory,
		Valid:          true,
		NormalizedPath: normalized,
		CheckedAt:      at,
	}
}

// Rejected builds a rejection result.
func Rejected(directory, normalized string, code RejectionCode, reason string, at time.Time) RootsValidationResult {
	return RootsValidationResult{
		Directory:      directory,
		Valid:          false,
		NormalizedPath: normalized,
		Reason:         reason,
		Code:           code,
		CheckedAt:      at,
	}
}

// AggregateRootsResult describes the handling of a full notification. The
// embedded result describes the adopted directory only; Results carries the
// outcome of every declared root in declaration order.
type AggregateRootsResult struct {
	RootsValidationResult
	Adopted bool                    `json:"adopted"`
	Results []RootsValidationResult `json:"results"`
}

// Rejections returns the per-root results that failed validation.
func (a AggregateRootsResult) Rejections() []RootsValidationResult {
	var out []RootsValidationResult
	for _, r := range a.Results {
		if !r.Valid {
			out = append(out, r)
		}
	}
	return out
}
