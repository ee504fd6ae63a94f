package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner removes records older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionConfig controls scheduled pruning.
type RetentionConfig struct {
	// Schedule is a standard five-field cron expression, e.g. "0 3 * * *".
	Schedule string

	// MaxAge is how long records are kept.
	MaxAge time.Duration
}

// RetentionScheduler runs a Pruner on a cron schedule.
type RetentionScheduler struct {
	pruner  Pruner
	config  RetentionConfig
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
	now     func() time.Time
}

// NewRetentionScheduler creates a scheduler; call Start to begin pruning.
func NewRetentionScheduler(pruner Pruner, cfg RetentionConfig, logger *slog.Logger) *RetentionScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionScheduler{
		pruner: pruner,
		config: cfg,
		cron:   cron.New(),
		logger: logger.With("component", "audit.retention"),
		now:    time.Now,
	}
}

// Start registers the prune job. An empty schedule disables pruning.
func (s *RetentionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Schedule == "" || s.config.MaxAge <= 0 {
		s.logger.Info("audit retention not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.config.Schedule, err)
	}

	if _, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("audit retention scheduler started",
		"schedule", s.config.Schedule,
		"max_age", s.config.MaxAge,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// RunOnce prunes immediately and returns the number of deleted records.
func (s *RetentionScheduler) RunOnce(ctx context.Context) int64 {
	deleted, err := s.pruner.Prune(ctx, s.now().Add(-s.config.MaxAge))
	if err != nil {
		s.logger.Error("audit pruning failed", "error", err)
		return 0
	}
	if deleted > 0 {
		s.logger.Info("audit pruning completed", "deleted_count", deleted)
	}
	return deleted
}

// Stop halts the scheduler and waits for a running prune to finish.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("audit retention scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running.
func (s *RetentionScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
