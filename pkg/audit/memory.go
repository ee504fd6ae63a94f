package audit

import (
	"context"
	"sync"

	"github.com/polisai/polis-roots/pkg/domain"
)

// MemorySink keeps records in memory. Useful for embedding and tests.
type MemorySink struct {
	mu      sync.RWMutex
	entries []domain.SecurityAuditLog
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends entry.
func (s *MemorySink) Record(_ context.Context, entry domain.SecurityAuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of every recorded entry.
func (s *MemorySink) Entries() []domain.SecurityAuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SecurityAuditLog, len(s.entries))
	copy(out, s.entries)
	return out
}

// Close is a no-op for the memory sink.
func (s *MemorySink) Close() error {
	return nil
}
