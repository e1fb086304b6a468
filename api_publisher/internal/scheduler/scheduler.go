// Package scheduler turns a post's target time into a deferred queue job and
// runs fired jobs through the publish orchestrator and retry handler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"frameworks/api_publisher/internal/failure"
	"frameworks/api_publisher/internal/publisher"
	"frameworks/api_publisher/internal/queue"
	"frameworks/api_publisher/internal/retry"
	"frameworks/api_publisher/internal/store"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
)

// Store is the post persistence the scheduler needs.
type Store interface {
	GetPost(ctx context.Context, id string) (*models.Post, error)
	SetPostStatus(ctx context.Context, id string, status models.PostStatus) error
	ListDueScheduledPosts(ctx context.Context, now time.Time, limit int) ([]*models.Post, error)
}

// JobQueue is the part of the queue runtime the scheduler drives.
type JobQueue interface {
	Name() string
	Enqueue(ctx context.Context, id string, payload any, opts queue.EnqueueOptions) (*queue.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	RunNow(ctx context.Context, id string, payload any, maxAttempts int, handler queue.Handler) error
}

// Publisher runs one publish attempt.
type Publisher interface {
	PublishPost(ctx context.Context, req publisher.Request) (*publisher.Result, error)
}

// RetryHandler routes a failed run.
type RetryHandler interface {
	Handle(ctx context.Context, job *queue.Job, post *models.Post, runErr error) (retry.Decision, error)
}

type Config struct {
	// MaxAttempts is the attempt ceiling of every publish job.
	MaxAttempts int
	// SweepBatch bounds how many due posts one sweep loads.
	SweepBatch int
}

// SweepSummary reports what one SweepDue call did.
type SweepSummary struct {
	Scanned   int `json:"scanned"`
	Published int `json:"published"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type Scheduler struct {
	store     Store
	queue     JobQueue
	publisher Publisher
	retry     RetryHandler
	cfg       Config
	logger    logging.Logger
	now       func() time.Time
}

func New(st Store, q JobQueue, pub Publisher, rh RetryHandler, cfg Config, logger logging.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Scheduler{
		store:     st,
		queue:     q,
		publisher: pub,
		retry:     rh,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func payloadFor(post *models.Post) models.PublishJobPayload {
	return models.PublishJobPayload{
		PostID:      post.ID,
		WorkspaceID: post.WorkspaceID,
		Platforms:   post.TargetPlatforms(),
	}
}

// Schedule enqueues a job that fires at the post's scheduled time, replacing
// any pending job for the post. The status is set to SCHEDULED before the
// enqueue so an immediately firing job sees it.
func (s *Scheduler) Schedule(ctx context.Context, postID string) (*queue.Job, error) {
	post, err := s.store.GetPost(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.NotFound("post %s not found", postID)
	}
	if err != nil {
		return nil, err
	}
	switch post.Status {
	case models.PostStatusPublished, models.PostStatusProcessing:
		return nil, failure.InvalidState("post %s is %s and cannot be scheduled", post.ID, post.Status)
	}
	if post.ScheduledTime == nil {
		return nil, failure.Validation("", "post %s has no scheduled time", post.ID)
	}

	delay := max(post.ScheduledTime.Sub(s.now()), 0)

	previous := post.Status
	if previous != models.PostStatusScheduled {
		if err := s.store.SetPostStatus(ctx, post.ID, models.PostStatusScheduled); err != nil {
			return nil, fmt.Errorf("mark post %s scheduled: %w", post.ID, err)
		}
	}

	job, err := s.queue.Enqueue(ctx, post.ID, payloadFor(post), queue.EnqueueOptions{
		Delay:       delay,
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		if previous != models.PostStatusScheduled {
			if rbErr := s.store.SetPostStatus(ctx, post.ID, previous); rbErr != nil {
				s.logger.WithError(rbErr).WithField("post_id", post.ID).Error("Failed to restore post status after enqueue failure")
			}
		}
		return nil, fmt.Errorf("enqueue post %s: %w", post.ID, err)
	}

	s.logger.WithFields(logging.Fields{
		"post_id":   post.ID,
		"delay":     delay.String(),
		"platforms": post.TargetPlatforms(),
	}).Info("Post scheduled")
	return job, nil
}

// Cancel removes the pending job for a post and returns the post to DRAFT.
// Without a pending job it does nothing. A job that is already executing
// cannot be cancelled.
func (s *Scheduler) Cancel(ctx context.Context, postID string) error {
	removed, err := s.queue.Cancel(ctx, postID)
	if errors.Is(err, queue.ErrJobActive) {
		return failure.InvalidState("post %s is being published", postID)
	}
	if err != nil {
		return fmt.Errorf("cancel job for post %s: %w", postID, err)
	}
	if !removed {
		return nil
	}
	if err := s.store.SetPostStatus(ctx, postID, models.PostStatusDraft); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark post %s draft: %w", postID, err)
	}
	s.logger.WithField("post_id", postID).Info("Scheduled post cancelled")
	return nil
}

// PublishNow publishes a post immediately, outside the queue. Any pending job
// is removed first so the post is not published twice. Failures are not
// retried; they are recorded on the post and returned in the result.
func (s *Scheduler) PublishNow(ctx context.Context, postID string) (*publisher.Result, error) {
	if _, err := s.queue.Cancel(ctx, postID); err != nil {
		if errors.Is(err, queue.ErrJobActive) {
			return nil, failure.InvalidState("post %s is being published", postID)
		}
		return nil, fmt.Errorf("remove pending job for post %s: %w", postID, err)
	}
	return s.publisher.PublishPost(ctx, publisher.Request{
		PostID:  postID,
		Mode:    publisher.ModeManual,
		Attempt: 1,
	})
}

// SweepDue publishes SCHEDULED posts whose time has passed but which have no
// live job, for example after the queue lost its state. Each post runs
// through the same path as a fired job. A failing post does not stop the
// sweep.
func (s *Scheduler) SweepDue(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary
	posts, err := s.store.ListDueScheduledPosts(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return sum, fmt.Errorf("list due posts: %w", err)
	}
	sum.Scanned = len(posts)

	for _, post := range posts {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		log := s.logger.WithField("post_id", post.ID)

		job, err := s.queue.GetJob(ctx, post.ID)
		if err != nil {
			log.WithError(err).Warn("Failed to look up job for due post")
			sum.Failed++
			continue
		}
		if job != nil && job.State != queue.StateFailed {
			sum.Skipped++
			continue
		}

		err = s.queue.RunNow(ctx, post.ID, payloadFor(post), s.cfg.MaxAttempts, s.HandleJob)
		switch {
		case errors.Is(err, queue.ErrJobExists):
			sum.Skipped++
		case err != nil:
			log.WithError(err).Warn("Due post did not publish")
			sum.Failed++
		default:
			sum.Published++
		}
	}

	if sum.Scanned > 0 {
		s.logger.WithFields(logging.Fields{
			"scanned":   sum.Scanned,
			"published": sum.Published,
			"skipped":   sum.Skipped,
			"failed":    sum.Failed,
		}).Info("Swept due posts")
	}
	return sum, nil
}

// HandleJob is the queue handler for publish jobs. It returns nil when the
// run succeeded, was skipped or was requeued, a Fatal error when the job is
// finished with failures, and a plain error for infrastructure failures the
// runtime should retry. On the last attempt infrastructure failures are
// routed through the retry handler like platform failures.
func (s *Scheduler) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload models.PublishJobPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Fatal(err)
	}
	if payload.PostID == "" {
		payload.PostID = job.ID
	}

	mode := publisher.ModeScheduled
	if job.AttemptsMade > 0 || job.RetriedAt != nil {
		mode = publisher.ModeRetry
	}
	log := s.logger.WithFields(logging.Fields{
		"job_id":  job.ID,
		"post_id": payload.PostID,
		"attempt": job.AttemptsMade + 1,
		"mode":    mode,
	})

	res, err := s.publisher.PublishPost(ctx, publisher.Request{
		PostID:    payload.PostID,
		Platforms: payload.Platforms,
		Mode:      mode,
		Attempt:   job.AttemptsMade + 1,
	})
	if err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) {
			switch fe.Code {
			case failure.CodeInvalidState:
				log.WithError(err).Info("Skipping publish job")
				return nil
			case failure.CodeNotFound:
				return queue.Fatal(err)
			}
		}
		if job.LastAttempt() {
			return s.exhausted(ctx, job, payload.PostID, res, err)
		}
		return err
	}
	if res.Err == nil {
		return nil
	}

	decision, herr := s.retry.Handle(ctx, job, res.Post, res.Err)
	if decision.Action == retry.ActionRetry {
		// A failed requeue falls back to the runtime's own retry.
		return herr
	}
	if herr != nil {
		log.WithError(herr).Warn("Retry handling incomplete")
	}
	return queue.Fatal(res.Err)
}

// exhausted finishes a job whose last attempt failed before the run could
// complete. The failure still goes through the retry handler so the
// administrator alert fires, and the post leaves SCHEDULED/PROCESSING.
func (s *Scheduler) exhausted(ctx context.Context, job *queue.Job, postID string, res *publisher.Result, runErr error) error {
	log := s.logger.WithFields(logging.Fields{"job_id": job.ID, "post_id": postID})
	log.WithError(runErr).Error("Publish job exhausted its attempts")

	var post *models.Post
	if res != nil {
		post = res.Post
	}
	if _, herr := s.retry.Handle(ctx, job, post, failure.Classify(runErr)); herr != nil {
		log.WithError(herr).Warn("Retry handling incomplete")
	}

	current, err := s.store.GetPost(ctx, postID)
	if err != nil {
		log.WithError(err).Warn("Could not load post to record exhaustion")
		return queue.Fatal(runErr)
	}
	if current.Status != models.PostStatusScheduled && current.Status != models.PostStatusProcessing {
		return queue.Fatal(runErr)
	}
	status := models.PostStatusFailed
	if post != nil && post.Status != models.PostStatusProcessing && post.Status != models.PostStatusScheduled {
		status = post.Status
	}
	if err := s.store.SetPostStatus(ctx, postID, status); err != nil {
		log.WithError(err).Warn("Could not record exhausted post status")
	}
	return queue.Fatal(runErr)
}
