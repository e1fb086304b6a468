package queue

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"frameworks/pkg/logging"
)

// Process runs handler for due jobs until ctx is cancelled, with at most
// Options.Concurrency handlers in flight. Jobs are claimed on every poll
// tick and whenever a zero-delay enqueue publishes a wake signal. In-flight
// handlers are allowed to finish before Process returns.
func (q *Queue) Process(ctx context.Context, handler Handler) error {
	wake := make(chan struct{}, 1)
	go func() {
		err := q.wake.Subscribe(ctx, q.wakeChannel(), nil, func(wakeSignal) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil && ctx.Err() == nil {
			q.logger.WithError(err).WithField("queue", q.name).Warn("Queue wake subscription ended; relying on polling")
		}
	}()

	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)

	// Handlers outlive shutdown of the poll loop; the handler timeout bounds them.
	runCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	q.logger.WithFields(logging.Fields{
		"queue":       q.name,
		"concurrency": q.opts.Concurrency,
	}).Info("Queue worker started")

	for {
		q.poll(ctx, runCtx, &g, handler)

		select {
		case <-ctx.Done():
			_ = g.Wait()
			q.logger.WithField("queue", q.name).Info("Queue worker stopped")
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// poll reclaims stalled leases and starts handlers for due jobs while
// worker slots remain.
func (q *Queue) poll(ctx, runCtx context.Context, g *errgroup.Group, handler Handler) {
	if _, err := q.reclaimStalled(ctx); err != nil {
		q.logger.WithError(err).WithField("queue", q.name).Warn("Stalled job recovery failed")
	}

	ids, err := q.dueIDs(ctx, defaultClaimBatch)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.WithError(err).WithField("queue", q.name).Warn("Failed to list due jobs")
		}
		return
	}

	for _, id := range ids {
		started := g.TryGo(func() error {
			job, err := q.claim(runCtx, id)
			if err != nil {
				q.logger.WithError(err).WithField("job_id", id).Warn("Failed to claim job")
				return nil
			}
			if job == nil {
				// Another worker won the claim.
				return nil
			}
			_ = q.execute(runCtx, job, handler)
			return nil
		})
		if !started {
			break
		}
	}
}
