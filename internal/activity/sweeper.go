package activity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RosterLogger is implemented by the subscription registry.
type RosterLogger interface {
	LogRoster()
}

// Sweeper drives the tracker on a fixed period, one sweep per threshold
// interval, and logs the subscription roster alongside the activity
// roster so device liveness and watchers show up together in the logs.
type Sweeper struct {
	tracker *Tracker
	roster  RosterLogger
	logger  *zap.Logger
}

func NewSweeper(tracker *Tracker, roster RosterLogger, logger *zap.Logger) *Sweeper {
	return &Sweeper{tracker: tracker, roster: roster, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.tracker.Threshold()
	s.logger.Info("activity sweeper started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("activity sweeper stopped")
			return
		case <-ticker.C:
			s.tracker.SweepOnce(time.Now())
			if s.roster != nil {
				s.roster.LogRoster()
			}
		}
	}
}
