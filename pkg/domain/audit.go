package domain

import "time"

// AuditOutcome is the recorded verdict of a validation.
type AuditOutcome string

const (
	OutcomeAccepted AuditOutcome = "accepted"
	OutcomeRejected AuditOutcome = "rejected"
)

// SecurityAuditLog is one append-only audit record.
type SecurityAuditLog struct {
	ID             string             `json:"id"`
	Directory      string             `json:"directory"`
	NormalizedPath string             `json:"normalized_path"`
	Policy         SecurityPolicyKind `json:"policy"`
	Outcome        AuditOutcome       `json:"outcome"`
	Reason         string             `json:"reason,omitempty"`
	Code           RejectionCode      `json:"code,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}
