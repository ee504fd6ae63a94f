package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-roots/pkg/domain"
)

const defaultAsyncBuffer = 256

// AsyncSink decouples callers from a slow sink. Records are queued on a
// bounded channel and written by a single worker; when the queue is full the
// record is dropped and counted rather than blocking validation.
type AsyncSink struct {
	inner   Sink
	entries chan domain.SecurityAuditLog
	dropped atomic.Int64
	onDrop  atomic.Pointer[func()]
	logger  *slog.Logger

	// mu orders sends against close; closed is set once under the write lock.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewAsyncSink starts a worker that forwards records to inner.
func NewAsyncSink(inner Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &AsyncSink{
		inner:   inner,
		entries: make(chan domain.SecurityAuditLog, buffer),
		logger:  logger.With("component", "audit.async"),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for entry := range s.entries {
		if err := s.inner.Record(context.Background(), entry); err != nil {
			s.logger.Error("Audit sink write failed", "error", err, "audit_id", entry.ID)
		}
	}
}

// Record enqueues entry without blocking.
func (s *AsyncSink) Record(_ context.Context, entry domain.SecurityAuditLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop()
		return nil
	}
	select {
	case s.entries <- entry:
	default:
		s.drop()
	}
	return nil
}

// OnDrop registers fn to be called for every discarded record.
func (s *AsyncSink) OnDrop(fn func()) {
	s.onDrop.Store(&fn)
}

func (s *AsyncSink) drop() {
	s.dropped.Add(1)
	if fn := s.onDrop.Load(); fn != nil && *fn != nil {
		(*fn)()
	}
}

// Dropped returns how many records were discarded because the queue was full
// or the sink was closed.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains the queue, waits for the worker and closes the inner sink.
func (s *AsyncSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.entries)
		s.mu.Unlock()

		s.wg.Wait()
		err = s.inner.Close()
	})
	return err
}
