package scheduler

import (
	"context"
	"time"

	"frameworks/pkg/logging"
)

type sweeper interface {
	SweepDue(ctx context.Context) (SweepSummary, error)
}

// Worker periodically sweeps due posts that have no live job.
type Worker struct {
	scheduler sweeper
	interval  time.Duration
	logger    logging.Logger
}

func NewWorker(s sweeper, interval time.Duration, logger logging.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{scheduler: s, interval: interval, logger: logger}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.WithField("interval", w.interval.String()).Info("Starting due post sweep worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping due post sweep worker")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if _, err := w.scheduler.SweepDue(ctx); err != nil && ctx.Err() == nil {
		w.logger.WithError(err).Error("Due post sweep failed")
	}
}
