// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/notifyops/relay/pkg/config"
)

// Purger is the storage surface the retention loop drives. Each method
// deletes rows older than the cutoff and reports how many went.
type Purger interface {
	PurgeRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeHourlyBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SchedulePurger trims settled scheduler rows.
type SchedulePurger interface {
	PurgeSettledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically enforces retention policies:
//   - Deletes raw execution records past the raw window
//   - Deletes hourly aggregates past the longer aggregate window
//   - Deletes inspected dead letters
//   - Deletes delivered/cancelled scheduler rows
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config    *config.RetentionConfig
	store     Purger
	scheduled SchedulePurger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. scheduled may be nil when the
// scheduler runs without persistence.
func NewService(cfg *config.RetentionConfig, store Purger, scheduled SchedulePurger) *Service {
	return &Service{
		config:    cfg,
		store:     store,
		scheduled: scheduled,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"raw_retention_days", s.config.RawRetentionDays,
		"aggregate_retention_days", s.config.AggregateRetentionDays,
		"dead_letter_retention_days", s.config.DeadLetterRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	now := time.Now().UTC()
	s.purge(ctx, "raw execution records", now.AddDate(0, 0, -s.config.RawRetentionDays), s.store.PurgeRecordsBefore)
	s.purge(ctx, "hourly aggregates", now.AddDate(0, 0, -s.config.AggregateRetentionDays), s.store.PurgeHourlyBefore)
	s.purge(ctx, "dead letters", now.AddDate(0, 0, -s.config.DeadLetterRetentionDays), s.store.PurgeDeadLettersBefore)
	if s.scheduled != nil {
		s.purge(ctx, "settled schedule entries", now.AddDate(0, 0, -s.config.ScheduledRetentionDays), s.scheduled.PurgeSettledBefore)
	}
}

func (s *Service) purge(ctx context.Context, what string, cutoff time.Time, fn func(context.Context, time.Time) (int64, error)) {
	count, err := fn(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: purge failed", "target", what, "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged rows", "target", what, "count", count, "cutoff", cutoff)
	}
}
