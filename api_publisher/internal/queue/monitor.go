package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"frameworks/pkg/logging"
)

// Counts returns a snapshot of the queue.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	now := msString(q.now())
	var (
		active, failed, delayed, waiting *goredis.IntCmd
		completed                        *goredis.StringCmd
	)
	_, err := q.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		active = p.ZCard(ctx, q.activeKey())
		failed = p.ZCard(ctx, q.failedKey())
		waiting = p.ZCount(ctx, q.delayedKey(), "-inf", now)
		delayed = p.ZCount(ctx, q.delayedKey(), "("+now, "+inf")
		completed = p.Get(ctx, q.completedKey())
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return Counts{}, fmt.Errorf("queue %s counts: %w", q.name, err)
	}

	c := Counts{
		Name:    q.name,
		Active:  active.Val(),
		Failed:  failed.Val(),
		Delayed: delayed.Val(),
		Waiting: waiting.Val(),
	}
	if v := completed.Val(); v != "" {
		c.Completed, _ = strconv.ParseInt(v, 10, 64)
	}
	return c, nil
}

// FailedJobs lists up to limit failed jobs, most recent first.
func (q *Queue) FailedJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRevRange(ctx, q.failedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	vals, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load failed jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(vals))
	for i, v := range vals {
		body, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decodeJob([]byte(body))
		if err != nil {
			q.logger.WithError(err).WithField("job_id", ids[i]).Warn("Skipping undecodable failed job")
			continue
		}
		job.State = StateFailed
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFailed moves a failed job back to waiting with a fresh attempt
// budget and a new lifetime.
func (q *Queue) RetryFailed(ctx context.Context, id string) (*Job, error) {
	var next *Job
	err := q.mutate(ctx, id, func(tx *goredis.Tx, cur *Job) (func(goredis.Pipeliner), error) {
		if cur == nil {
			return nil, ErrJobNotFound
		}
		if _, err := tx.ZScore(ctx, q.failedKey(), id).Result(); err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil, ErrNotFailed
			}
			return nil, err
		}
		now := q.now()
		n := *cur
		n.AttemptsMade = 0
		n.LifetimeID = uuid.NewString()
		n.Token = uuid.NewString()
		n.DelayMS = 0
		n.FireAt = now
		n.FailedReason = ""
		n.FinishedAt = nil
		n.ProcessedAt = nil
		n.RetriedAt = &now
		raw, err := json.Marshal(&n)
		if err != nil {
			return nil, err
		}
		next = &n
		return func(p goredis.Pipeliner) {
			p.Set(ctx, q.jobKey(id), raw, 0)
			p.ZRem(ctx, q.failedKey(), id)
			p.ZAdd(ctx, q.delayedKey(), goredis.Z{Score: ms(now), Member: id})
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retry failed job %s: %w", id, err)
	}
	next.State = StateWaiting
	q.signal(ctx)
	q.logger.WithFields(logging.Fields{"queue": q.name, "job_id": id}).Info("Failed job retried")
	return next, nil
}

// RetryAllFailed retries every failed job and returns how many moved.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	ids, err := q.client.ZRange(ctx, q.failedKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, err := q.RetryFailed(ctx, id); err != nil {
			if errors.Is(err, ErrNotFailed) || errors.Is(err, ErrJobNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Clean removes failed jobs that failed more than olderThan ago.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	ids, err := q.client.ZRangeByScore(ctx, q.failedKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: msString(cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list old failed jobs: %w", err)
	}
	n := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.failedKey(), id).Result()
		if err != nil {
			return n, fmt.Errorf("clean %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.Del(ctx, q.jobKey(id)).Err(); err != nil {
			return n, fmt.Errorf("clean %s: %w", id, err)
		}
		n++
	}
	if n > 0 {
		q.logger.WithFields(logging.Fields{"queue": q.name, "removed": n}).Info("Cleaned old failed jobs")
	}
	return n, nil
}

// Manager is the set of queues a process owns, looked up by name.
type Manager struct {
	queues map[string]*Queue
	logger logging.Logger
	gauge  *prometheus.GaugeVec
}

// NewManager registers queues. gauge, when non-nil, receives per-queue
// counts labelled by queue and state.
func NewManager(logger logging.Logger, gauge *prometheus.GaugeVec, queues ...*Queue) *Manager {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	m := &Manager{queues: make(map[string]*Queue, len(queues)), logger: logger, gauge: gauge}
	for _, q := range queues {
		m.queues[q.Name()] = q
	}
	return m
}

// Get returns the queue called name.
func (m *Manager) Get(name string) (*Queue, bool) {
	q, ok := m.queues[name]
	return q, ok
}

// All returns the registered queues ordered by name.
func (m *Manager) All() []*Queue {
	out := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AllCounts returns counts for every queue, ordered by name.
func (m *Manager) AllCounts(ctx context.Context) ([]Counts, error) {
	queues := m.All()
	out := make([]Counts, 0, len(queues))
	for _, q := range queues {
		c, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// FailedJobs lists failed jobs across every queue.
func (m *Manager) FailedJobs(ctx context.Context, limitPerQueue int) ([]*Job, error) {
	var out []*Job
	for _, q := range m.All() {
		jobs, err := q.FailedJobs(ctx, limitPerQueue)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs...)
	}
	if out == nil {
		out = []*Job{}
	}
	return out, nil
}

// Monitor logs queue counts and updates the gauge every interval until ctx
// is cancelled.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.report(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) report(ctx context.Context) {
	counts, err := m.AllCounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).Warn("Failed to collect queue metrics")
		}
		return
	}
	for _, c := range counts {
		m.logger.WithFields(logging.Fields{
			"queue":     c.Name,
			"active":    c.Active,
			"completed": c.Completed,
			"failed":    c.Failed,
			"delayed":   c.Delayed,
			"waiting":   c.Waiting,
		}).Info("Queue metrics")
		if m.gauge != nil {
			m.gauge.WithLabelValues(c.Name, string(StateActive)).Set(float64(c.Active))
			m.gauge.WithLabelValues(c.Name, "completed").Set(float64(c.Completed))
			m.gauge.WithLabelValues(c.Name, string(StateFailed)).Set(float64(c.Failed))
			m.gauge.WithLabelValues(c.Name, string(StateDelayed)).Set(float64(c.Delayed))
			m.gauge.WithLabelValues(c.Name, string(StateWaiting)).Set(float64(c.Waiting))
		}
	}
}
