package service

import (
	"context"
	"time"

	"veilbox/internal/constants"
	"veilbox/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Cleaner deletes terminal messages older than the cutoff. Implemented
// by the database store.
type Cleaner interface {
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler periodically deletes SENT and FAILED messages past the
// retention window.
type Scheduler struct {
	cleaner       Cleaner
	retentionDays int
	intervalHours int
	logger        *logrus.Logger
	stopCh        chan struct{}
}

func NewScheduler(cleaner Cleaner, retentionDays, intervalHours int, logger *logrus.Logger) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	if intervalHours <= 0 {
		intervalHours = constants.DefaultCleanupIntervalHours
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		cleaner:       cleaner,
		retentionDays: retentionDays,
		intervalHours: intervalHours,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalHours) * time.Hour)
	defer ticker.Stop()

	s.logger.WithField("retention_days", s.retentionDays).Info("Starting retention scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Retention scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	deleted, err := s.cleaner.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("Retention cleanup failed")
		return
	}

	if deleted > 0 {
		metrics.AddToCounter("messages_retention_deleted", float64(deleted), nil, "Terminal messages removed by retention")
	}
	s.logger.WithFields(logrus.Fields{
		"deleted":        deleted,
		"retention_days": s.retentionDays,
	}).Info("Retention cleanup completed")
}
