package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"frameworks/api_publisher/internal/failure"
	"frameworks/api_publisher/internal/queue"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
)

// PostStore is the persistence the handler needs.
type PostStore interface {
	SetPostStatus(ctx context.Context, postID string, status models.PostStatus) error
	SetSocialAccountStatus(ctx context.Context, workspaceID string, platform models.Platform, status models.AccountStatus) error
}

// Requeuer schedules another attempt of a running job.
type Requeuer interface {
	Requeue(ctx context.Context, job *queue.Job, delay time.Duration, data json.RawMessage, reason string) (*queue.Job, error)
}

// Guard admits a key once. Acquire returns true only for the first caller.
type Guard interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

// Handler applies retry decisions: account flagging, requeue, status
// rollback and the one-shot administrator alert.
type Handler struct {
	policy   Policy
	store    PostStore
	requeuer Requeuer
	guard    Guard
	notifier Notifier
	logger   logging.Logger
	now      func() time.Time
}

// NewHandler builds a Handler. notifier may be nil.
func NewHandler(policy Policy, store PostStore, requeuer Requeuer, guard Guard, notifier Notifier, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		policy:   policy,
		store:    store,
		requeuer: requeuer,
		guard:    guard,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Policy returns the handler's policy.
func (h *Handler) Policy() Policy { return h.policy }

// Handle routes a failed run of job. post is the post as persisted by the
// run (nil when it could not be loaded). The returned error reports
// side-effect failures only; the decision stands regardless.
func (h *Handler) Handle(ctx context.Context, job *queue.Job, post *models.Post, runErr error) (Decision, error) {
	if runErr == nil {
		return Decision{}, nil
	}
	fe := failure.Classify(runErr)
	decision := h.policy.Decide(fe, job.AttemptsMade, job.MaxAttempts)

	var payload models.PublishJobPayload
	if err := job.Decode(&payload); err != nil {
		h.logger.WithError(err).WithField("job_id", job.ID).Warn("Undecodable job payload; retrying all platforms")
	}
	workspaceID := payload.WorkspaceID
	if post != nil {
		workspaceID = post.WorkspaceID
	}

	log := h.logger.WithFields(logging.Fields{
		"job_id":       job.ID,
		"lifetime_id":  job.LifetimeID,
		"attempt":      job.AttemptsMade + 1,
		"max_attempts": job.MaxAttempts,
		"action":       decision.Action,
		"code":         fe.RecordCode(),
	})

	var errs []error
	for _, platform := range decision.ReauthPlatforms {
		if err := h.store.SetSocialAccountStatus(ctx, workspaceID, platform, models.AccountStatusAuthFailed); err != nil {
			errs = append(errs, fmt.Errorf("flag %s account: %w", platform, err))
			continue
		}
		log.WithField("platform", platform).Warn("Social account flagged for reconnection")
	}

	if decision.Action == ActionRetry {
		if err := h.requeue(ctx, job, payload, post, decision, fe); err != nil {
			// Could not requeue: the runtime's own retry will pick the job up.
			errs = append(errs, err)
			return decision, errors.Join(errs...)
		}
		log.WithFields(logging.Fields{
			"delay":     decision.Delay.String(),
			"platforms": decision.RetryPlatforms,
		}).Info("Publish retry scheduled")
		return decision, errors.Join(errs...)
	}

	log.WithError(fe).Warn("Publish failed permanently")
	if job.MaxAttempts > 0 && job.AttemptsMade+1 >= job.MaxAttempts {
		if err := h.notifyOnce(ctx, job, workspaceID, fe); err != nil {
			errs = append(errs, err)
		}
	}
	return decision, errors.Join(errs...)
}

func (h *Handler) requeue(ctx context.Context, job *queue.Job, payload models.PublishJobPayload, post *models.Post, decision Decision, fe *failure.Error) error {
	next := payload
	if next.PostID == "" {
		next.PostID = job.ID
	}
	if post != nil && next.WorkspaceID == "" {
		next.WorkspaceID = post.WorkspaceID
	}
	if len(decision.RetryPlatforms) > 0 {
		next.Platforms = decision.RetryPlatforms
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode retry payload: %w", err)
	}

	// A post with nothing published goes back to SCHEDULED so the next run
	// is eligible; partial coverage stays visible as PARTIALLY_PUBLISHED.
	if post != nil && post.Status == models.PostStatusFailed {
		if err := h.store.SetPostStatus(ctx, post.ID, models.PostStatusScheduled); err != nil {
			return fmt.Errorf("revert post %s to scheduled: %w", post.ID, err)
		}
		post.Status = models.PostStatusScheduled
	}

	if _, err := h.requeuer.Requeue(ctx, job, decision.Delay, data, fe.Error()); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

func (h *Handler) notifyOnce(ctx context.Context, job *queue.Job, workspaceID string, fe *failure.Error) error {
	first, err := h.guard.Acquire(ctx, "bosun:notified:"+job.LifetimeID)
	if err != nil {
		return fmt.Errorf("notification guard: %w", err)
	}
	if !first {
		h.logger.WithField("lifetime_id", job.LifetimeID).Debug("Administrator already notified for this job")
		return nil
	}
	if h.notifier == nil {
		return nil
	}
	alert := Alert{
		JobID:       job.ID,
		Queue:       job.Queue,
		LifetimeID:  job.LifetimeID,
		PostID:      job.ID,
		WorkspaceID: workspaceID,
		Attempts:    job.AttemptsMade + 1,
		Code:        string(fe.RecordCode()),
		Message:     fe.Error(),
		Time:        h.now().UTC(),
	}
	if err := h.notifier.NotifyAdmins(ctx, alert); err != nil {
		return fmt.Errorf("notify administrators: %w", err)
	}
	return nil
}
