package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-roots/pkg/domain"
)

// Sink receives audit records.
type Sink interface {
	// Record persists a single entry.
	Record(ctx context.Context, entry domain.SecurityAuditLog) error

	// Close flushes and releases any resources held by the sink.
	Close() error
}

// NewEntry builds an audit record for a validation result.
func NewEntry(kind domain.SecurityPolicyKind, result domain.RootsValidationResult) domain.SecurityAuditLog {
	outcome := domain.OutcomeAccepted
	if !result.Valid {
		outcome = domain.OutcomeRejected
	}
	ts := result.CheckedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.SecurityAuditLog{
		ID:             uuid.NewString(),
		Directory:      result.Directory,
		NormalizedPath: result.NormalizedPath,
		Policy:         kind,
		Outcome:        outcome,
		Reason:         result.Reason,
		Code:           result.Code,
		Timestamp:      ts,
	}
}

// MultiSink fans each record out to every wrapped sink in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Record delivers entry to every sink and joins their errors.
func (m *MultiSink) Record(ctx context.Context, entry domain.SecurityAuditLog) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
