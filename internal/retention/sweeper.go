// Package retention deletes expired executions and their logs on a
// schedule.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the sweep daily at 02:00.
const DefaultSchedule = "0 2 * * *"

// purgeBatch bounds how many executions one delete statement removes.
const purgeBatch = 500

// PurgeStore deletes executions (and, via cascade or explicit delete,
// their logs) created before a cutoff. It returns how many executions
// were removed. In-flight executions are never eligible: they are either
// newer than the cutoff or already swept by startup recovery.
type PurgeStore interface {
	PurgeExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Sweeper runs scheduled retention cleanup.
type Sweeper struct {
	store    PurgeStore
	days     int
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
}

// New creates a sweeper keeping the given number of days.
func New(store PurgeStore, days int, schedule string, logger *zap.Logger) *Sweeper {
	if days <= 0 {
		days = 30
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Sweeper{store: store, days: days, schedule: schedule, logger: logger}
}

// Start registers the cron job and begins the schedule.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.RunNow(ctx); err != nil {
			s.logger.Error("retention sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started",
		zap.Int("retention_days", s.days),
		zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunNow deletes expired executions in batches until none remain. It is
// idempotent: a second run over an unchanged dataset deletes nothing.
func (s *Sweeper) RunNow(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.days)
	var total int64
	for {
		n, err := s.store.PurgeExecutionsBefore(ctx, cutoff, purgeBatch)
		if err != nil {
			return total, err
		}
		total += n
		if n < purgeBatch {
			break
		}
	}
	if total > 0 {
		s.logger.Info("retention sweep removed executions",
			zap.Int64("count", total),
			zap.Time("cutoff", cutoff))
	}
	return total, nil
}
