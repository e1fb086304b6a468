// Package queue is a Redis backed delayed job runtime with keyed jobs,
// at-least-once delivery, failed job retention and bounded worker concurrency.
//
// Layout per queue (all keys share a hash tag so they live on one cluster slot):
//
//	bosun:queue:{name}:job:<id>   JSON encoded Job
//	bosun:queue:{name}:delayed    ZSET id -> fire time (ms); due members are "waiting"
//	bosun:queue:{name}:active     ZSET id -> lease expiry (ms)
//	bosun:queue:{name}:failed     ZSET id -> failure time (ms)
//	bosun:queue:{name}:completed  counter; completed jobs are removed
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"frameworks/pkg/logging"
	redispkg "frameworks/pkg/redis"
)

const (
	defaultMaxAttempts    = 3
	defaultPollInterval   = time.Second
	defaultConcurrency    = 5
	defaultHandlerTimeout = 5 * time.Minute
	defaultRetryBase      = 30 * time.Second
	defaultRetryMax       = 30 * time.Minute
	defaultClaimBatch     = 50
	watchRetries          = 5
)

// Options tunes a Queue. Zero values take defaults.
type Options struct {
	DefaultMaxAttempts int
	PollInterval       time.Duration
	Concurrency        int
	HandlerTimeout     time.Duration
	// LeaseTTL is how long a claimed job may run before another worker
	// reclaims it. Always larger than HandlerTimeout.
	LeaseTTL time.Duration
	// RetryBase and RetryMax bound the runtime's own backoff for handler
	// errors not marked Fatal.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (o Options) normalize() Options {
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = defaultMaxAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = defaultHandlerTimeout
	}
	if o.LeaseTTL <= o.HandlerTimeout {
		o.LeaseTTL = o.HandlerTimeout + time.Minute
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = defaultRetryMax
	}
	return o
}

// EnqueueOptions controls a single enqueue.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// Handler executes a job. Returning nil completes it. Errors wrapped with
// Fatal fail it immediately; other errors are retried with backoff until
// MaxAttempts. A handler that requeued the job itself should return nil.
type Handler func(ctx context.Context, job *Job) error

type wakeSignal struct {
	Queue string `json:"queue"`
}

// Queue is one named job queue.
type Queue struct {
	client goredis.UniversalClient
	name   string
	prefix string
	opts   Options
	logger logging.Logger
	now    func() time.Time
	wake   *redispkg.TypedPubSub[wakeSignal]
}

// New creates a queue named name on client.
func New(client goredis.UniversalClient, name string, opts Options, logger logging.Logger) *Queue {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Queue{
		client: client,
		name:   name,
		prefix: "bosun:queue:{" + name + "}:",
		opts:   opts.normalize(),
		logger: logger,
		now:    time.Now,
		wake:   redispkg.NewTypedPubSub[wakeSignal](client, logger),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *Queue) delayedKey() string      { return q.prefix + "delayed" }
func (q *Queue) activeKey() string       { return q.prefix + "active" }
func (q *Queue) failedKey() string       { return q.prefix + "failed" }
func (q *Queue) completedKey() string    { return q.prefix + "completed" }
func (q *Queue) wakeChannel() string     { return q.prefix + "wake" }

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

func msString(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Enqueue stores a job under id, replacing any existing job with that key.
func (q *Queue) Enqueue(ctx context.Context, id string, payload any, opts EnqueueOptions) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("queue: job id is required")
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.opts.DefaultMaxAttempts
	}

	now := q.now()
	job := &Job{
		ID:          id,
		Queue:       q.name,
		LifetimeID:  uuid.NewString(),
		Token:       uuid.NewString(),
		Data:        data,
		MaxAttempts: opts.MaxAttempts,
		DelayMS:     opts.Delay.Milliseconds(),
		FireAt:      now.Add(opts.Delay),
		CreatedAt:   now,
		State:       StateDelayed,
	}
	if opts.Delay == 0 {
		job.State = StateWaiting
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, q.jobKey(id), raw, 0)
		p.ZRem(ctx, q.activeKey(), id)
		p.ZRem(ctx, q.failedKey(), id)
		p.ZAdd(ctx, q.delayedKey(), goredis.Z{Score: ms(job.FireAt), Member: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", id, err)
	}

	if opts.Delay == 0 {
		q.signal(ctx)
	}
	q.logger.WithFields(logging.Fields{
		"queue":    q.name,
		"job_id":   id,
		"delay_ms": job.DelayMS,
	}).Debug("Job enqueued")
	return job, nil
}

func (q *Queue) signal(ctx context.Context) {
	if err := q.wake.Publish(ctx, q.wakeChannel(), wakeSignal{Queue: q.name}); err != nil {
		q.logger.WithError(err).Debug("Failed to publish queue wake signal")
	}
}

// GetJob returns the job under id with its State, or nil if none exists.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		return nil, err
	}
	state, err := q.stateOf(ctx, q.client, id)
	if err != nil {
		return nil, err
	}
	job.State = state
	return job, nil
}

func decodeJob(raw []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

type scorer interface {
	ZScore(ctx context.Context, key, member string) *goredis.FloatCmd
}

func (q *Queue) stateOf(ctx context.Context, c scorer, id string) (State, error) {
	if _, err := c.ZScore(ctx, q.activeKey(), id).Result(); err == nil {
		return StateActive, nil
	} else if !errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("job state %s: %w", id, err)
	}
	if score, err := c.ZScore(ctx, q.delayedKey(), id).Result(); err == nil {
		if int64(score) <= q.now().UnixMilli() {
			return StateWaiting, nil
		}
		return StateDelayed, nil
	} else if !errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("job state %s: %w", id, err)
	}
	if _, err := c.ZScore(ctx, q.failedKey(), id).Result(); err == nil {
		return StateFailed, nil
	} else if !errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("job state %s: %w", id, err)
	}
	return "", nil
}

// Cancel removes a pending or failed job. It returns false when no job
// exists and ErrJobActive when the job is executing.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	for _, set := range []string{q.delayedKey(), q.failedKey()} {
		removed, err := q.client.ZRem(ctx, set, id).Result()
		if err != nil {
			return false, fmt.Errorf("cancel %s: %w", id, err)
		}
		if removed == 1 {
			if err := q.client.Del(ctx, q.jobKey(id)).Err(); err != nil {
				return true, fmt.Errorf("delete job %s: %w", id, err)
			}
			q.logger.WithFields(logging.Fields{"queue": q.name, "job_id": id}).Info("Job cancelled")
			return true, nil
		}
	}
	_, err := q.client.ZScore(ctx, q.activeKey(), id).Result()
	if err == nil {
		return false, ErrJobActive
	}
	if !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("cancel %s: %w", id, err)
	}
	return false, nil
}

// mutate runs fn against the current stored job under WATCH, retrying on
// concurrent modification. fn returns the pipeline writes to apply, or
// nil to write nothing.
func (q *Queue) mutate(ctx context.Context, id string, fn func(tx *goredis.Tx, cur *Job) (func(goredis.Pipeliner), error)) error {
	var lastErr error
	for i := 0; i < watchRetries; i++ {
		err := q.client.Watch(ctx, func(tx *goredis.Tx) error {
			raw, err := tx.Get(ctx, q.jobKey(id)).Bytes()
			var cur *Job
			switch {
			case errors.Is(err, goredis.Nil):
			case err != nil:
				return fmt.Errorf("load job %s: %w", id, err)
			default:
				if cur, err = decodeJob(raw); err != nil {
					return err
				}
			}
			writes, err := fn(tx, cur)
			if err != nil || writes == nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				writes(p)
				return nil
			})
			return err
		}, q.jobKey(id))
		if errors.Is(err, goredis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too much contention: %w", id, lastErr)
}

// Requeue schedules another attempt of a job that is currently executing.
// The attempt counter increments, the lifetime is kept and the token
// rotates, so the worker's own completion of the old run becomes a no-op.
// A nil data keeps the current payload.
func (q *Queue) Requeue(ctx context.Context, job *Job, delay time.Duration, data json.RawMessage, reason string) (*Job, error) {
	if delay < 0 {
		delay = 0
	}
	var next *Job
	err := q.mutate(ctx, job.ID, func(_ *goredis.Tx, cur *Job) (func(goredis.Pipeliner), error) {
		if cur == nil || cur.Token != job.Token {
			return nil, ErrJobNotFound
		}
		now := q.now()
		n := *cur
		n.AttemptsMade = cur.AttemptsMade + 1
		n.Token = uuid.NewString()
		n.DelayMS = delay.Milliseconds()
		n.FireAt = now.Add(delay)
		n.FailedReason = reason
		n.FinishedAt = nil
		if data != nil {
			n.Data = data
		}
		raw, err := json.Marshal(&n)
		if err != nil {
			return nil, err
		}
		next = &n
		return func(p goredis.Pipeliner) {
			p.Set(ctx, q.jobKey(job.ID), raw, 0)
			p.ZRem(ctx, q.activeKey(), job.ID)
			p.ZAdd(ctx, q.delayedKey(), goredis.Z{Score: ms(n.FireAt), Member: job.ID})
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", job.ID, err)
	}
	next.State = StateDelayed
	q.logger.WithFields(logging.Fields{
		"queue":    q.name,
		"job_id":   job.ID,
		"attempt":  next.AttemptsMade,
		"delay_ms": next.DelayMS,
	}).Info("Job requeued")
	return next, nil
}

// finish records the outcome of a run. A run whose token no longer matches
// the stored job was superseded and leaves no trace.
func (q *Queue) finish(ctx context.Context, job *Job, runErr error) error {
	return q.mutate(ctx, job.ID, func(_ *goredis.Tx, cur *Job) (func(goredis.Pipeliner), error) {
		if cur == nil || cur.Token != job.Token {
			q.logger.WithFields(logging.Fields{"queue": q.name, "job_id": job.ID}).Debug("Run superseded; skipping completion")
			return nil, nil
		}
		now := q.now()

		if runErr == nil {
			return func(p goredis.Pipeliner) {
				p.Del(ctx, q.jobKey(job.ID))
				p.ZRem(ctx, q.activeKey(), job.ID)
				p.Incr(ctx, q.completedKey())
			}, nil
		}

		n := *cur
		n.FailedReason = runErr.Error()
		n.FinishedAt = &now

		if !IsFatal(runErr) && !cur.LastAttempt() {
			delay := backoff(q.opts.RetryBase, q.opts.RetryMax, cur.AttemptsMade)
			n.AttemptsMade = cur.AttemptsMade + 1
			n.Token = uuid.NewString()
			n.DelayMS = delay.Milliseconds()
			n.FireAt = now.Add(delay)
			n.FinishedAt = nil
			raw, err := json.Marshal(&n)
			if err != nil {
				return nil, err
			}
			return func(p goredis.Pipeliner) {
				p.Set(ctx, q.jobKey(job.ID), raw, 0)
				p.ZRem(ctx, q.activeKey(), job.ID)
				p.ZAdd(ctx, q.delayedKey(), goredis.Z{Score: ms(n.FireAt), Member: job.ID})
			}, nil
		}

		raw, err := json.Marshal(&n)
		if err != nil {
			return nil, err
		}
		return func(p goredis.Pipeliner) {
			p.Set(ctx, q.jobKey(job.ID), raw, 0)
			p.ZRem(ctx, q.activeKey(), job.ID)
			p.ZAdd(ctx, q.failedKey(), goredis.Z{Score: ms(now), Member: job.ID})
		}, nil
	})
}

func backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// claimScript moves a due job from delayed to active and returns its body.
var claimScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return redis.call('GET', KEYS[3])
end
return false
`)

// reclaimScript returns an expired lease to the delayed set.
var reclaimScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

func (q *Queue) claim(ctx context.Context, id string) (*Job, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.activeKey(), q.jobKey(id)},
		id, msString(now.Add(q.opts.LeaseTTL)),
	).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	body, ok := res.(string)
	if !ok {
		// Job body vanished; drop the dangling active entry.
		_ = q.client.ZRem(ctx, q.activeKey(), id).Err()
		return nil, nil
	}
	job, err := decodeJob([]byte(body))
	if err != nil {
		return nil, err
	}
	job.ProcessedAt = &now
	job.State = StateActive
	return job, nil
}

// dueIDs lists up to limit job ids whose fire time has passed.
func (q *Queue) dueIDs(ctx context.Context, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.delayedKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   msString(q.now()),
		Count: limit,
	}).Result()
}

// reclaimStalled returns jobs whose worker lease expired to the delayed set
// so another worker picks them up.
func (q *Queue) reclaimStalled(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: msString(now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stalled: %w", err)
	}
	n := 0
	for _, id := range ids {
		moved, err := reclaimScript.Run(ctx, q.client, []string{q.activeKey(), q.delayedKey()}, id, msString(now)).Int()
		if err != nil {
			return n, fmt.Errorf("reclaim %s: %w", id, err)
		}
		if moved == 1 {
			n++
			q.logger.WithFields(logging.Fields{"queue": q.name, "job_id": id}).Warn("Reclaimed stalled job")
		}
	}
	return n, nil
}

// RunNow executes a job for id synchronously in the caller's goroutine. It
// refuses with ErrJobExists when a delayed, waiting or active job already
// holds the key. The run goes through the same completion path as a
// worker-delivered job.
func (q *Queue) RunNow(ctx context.Context, id string, payload any, maxAttempts int, handler Handler) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if maxAttempts <= 0 {
		maxAttempts = q.opts.DefaultMaxAttempts
	}

	var job *Job
	err = q.mutate(ctx, id, func(tx *goredis.Tx, cur *Job) (func(goredis.Pipeliner), error) {
		if cur != nil {
			state, err := q.stateOf(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			if state != StateFailed && state != "" {
				return nil, ErrJobExists
			}
		}
		now := q.now()
		job = &Job{
			ID:          id,
			Queue:       q.name,
			LifetimeID:  uuid.NewString(),
			Token:       uuid.NewString(),
			Data:        data,
			MaxAttempts: maxAttempts,
			FireAt:      now,
			CreatedAt:   now,
			ProcessedAt: &now,
			State:       StateActive,
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		return func(p goredis.Pipeliner) {
			p.Set(ctx, q.jobKey(id), raw, 0)
			p.ZRem(ctx, q.failedKey(), id)
			p.ZAdd(ctx, q.activeKey(), goredis.Z{Score: ms(now.Add(q.opts.LeaseTTL)), Member: id})
		}, nil
	})
	if err != nil {
		return err
	}
	return q.execute(ctx, job, handler)
}

// execute runs handler with the handler timeout and records the outcome.
// The returned error is the handler's.
func (q *Queue) execute(ctx context.Context, job *Job, handler Handler) (runErr error) {
	runCtx, cancel := context.WithTimeout(ctx, q.opts.HandlerTimeout)
	defer cancel()

	log := q.logger.WithFields(logging.Fields{
		"queue":   q.name,
		"job_id":  job.ID,
		"attempt": job.AttemptsMade,
	})

	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("job handler panic: %v", r)
			}
		}()
		runErr = handler(runCtx, job)
	}()

	// Record the outcome even if the caller's context is already gone.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()
	if err := q.finish(finishCtx, job, runErr); err != nil {
		log.WithError(err).Error("Failed to record job outcome")
	}

	if runErr != nil {
		log.WithError(runErr).Warn("Job run failed")
	} else {
		log.Debug("Job run completed")
	}
	return runErr
}
