// Package publisher runs one publish attempt for a post: it fans out to every
// outstanding platform concurrently, waits for all of them, and reduces the
// outcomes to a single post status.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"frameworks/api_publisher/internal/failure"
	"frameworks/api_publisher/internal/platform"
	"frameworks/api_publisher/internal/store"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
	redispkg "frameworks/pkg/redis"
)

// Mode selects which post statuses a run accepts.
type Mode string

const (
	// ModeScheduled is the first firing of a scheduled job.
	ModeScheduled Mode = "scheduled"
	// ModeRetry is a later attempt of a job, or an operator retry.
	ModeRetry Mode = "retry"
	// ModeManual is an explicit publish request from the API.
	ModeManual Mode = "manual"
)

func (m Mode) accepts() []models.PostStatus {
	switch m {
	case ModeRetry:
		return []models.PostStatus{models.PostStatusScheduled, models.PostStatusPartiallyPublished, models.PostStatusFailed}
	case ModeManual:
		return []models.PostStatus{models.PostStatusDraft, models.PostStatusScheduled, models.PostStatusPartiallyPublished, models.PostStatusFailed}
	default:
		return []models.PostStatus{models.PostStatusScheduled}
	}
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetPost(ctx context.Context, id string) (*models.Post, error)
	ClaimForProcessing(ctx context.Context, id string, allowed []models.PostStatus, at time.Time) (bool, error)
	SavePostState(ctx context.Context, post *models.Post) error
	GetSocialAccount(ctx context.Context, workspaceID string, p models.Platform) (*models.SocialAccount, error)
	UpdateSocialAccountTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt *time.Time) error
}

// Adapters resolves a platform adapter.
type Adapters interface {
	Get(p models.Platform) (platform.Publisher, bool)
}

// EventSink receives a summary of every completed run.
type EventSink interface {
	PublishRunCompleted(ctx context.Context, run RunEvent) error
}

// Request asks for one publish run.
type Request struct {
	PostID string
	// Platforms narrows the run to a snapshot; empty means every post platform.
	Platforms []models.Platform
	Mode      Mode
	// Attempt is recorded on the post's last error (1-based).
	Attempt int
}

// Outcome is the result on one platform.
type Outcome struct {
	Platform models.Platform `json:"platform"`
	RemoteID string          `json:"remoteId,omitempty"`
	Err      *failure.Error  `json:"-"`
}

// Result is what a completed run produced. Err aggregates the per-platform
// failures and is nil when every attempted platform succeeded.
type Result struct {
	Post     *models.Post
	Outcomes []Outcome
	Err      *failure.Error
}

// RunEvent summarises a run for downstream consumers.
type RunEvent struct {
	PostID      string            `json:"postId"`
	WorkspaceID string            `json:"workspaceId"`
	Mode        Mode              `json:"mode"`
	Status      models.PostStatus `json:"status"`
	Published   []Outcome         `json:"published"`
	Failed      []string          `json:"failed,omitempty"`
	ErrorCode   string            `json:"errorCode,omitempty"`
	Error       string            `json:"error,omitempty"`
	DurationMS  int64             `json:"durationMs"`
}

// Options tunes the orchestrator.
type Options struct {
	// LockTTL bounds how long a crashed run keeps the post locked.
	LockTTL time.Duration
	// RefreshSkew refreshes tokens that expire within this window.
	RefreshSkew time.Duration
	// PlatformTimeout bounds one platform's publish.
	PlatformTimeout time.Duration
}

func (o Options) normalize() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Minute
	}
	if o.RefreshSkew <= 0 {
		o.RefreshSkew = 5 * time.Minute
	}
	if o.PlatformTimeout <= 0 {
		o.PlatformTimeout = 2 * time.Minute
	}
	return o
}

// Orchestrator runs publish attempts.
type Orchestrator struct {
	store    Store
	adapters Adapters
	locker   *redispkg.Locker
	events   EventSink
	metrics  *Metrics
	opts     Options
	logger   logging.Logger
	now      func() time.Time
}

// New builds an orchestrator. locker, events and metrics are optional.
func New(st Store, adapters Adapters, locker *redispkg.Locker, events EventSink, metrics *Metrics, opts Options, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Orchestrator{
		store:    st,
		adapters: adapters,
		locker:   locker,
		events:   events,
		metrics:  metrics,
		opts:     opts.normalize(),
		logger:   logger,
		now:      time.Now,
	}
}

// PublishPost runs one attempt. A returned error means the run did not
// complete: NOT_FOUND and INVALID_STATE are *failure.Error with no publish
// attempted; anything else is an infrastructure failure. Platform failures
// are reported in Result.Err instead.
func (o *Orchestrator) PublishPost(ctx context.Context, req Request) (*Result, error) {
	start := o.now()
	log := o.logger.WithFields(logging.Fields{"post_id": req.PostID, "mode": req.Mode})

	if o.locker != nil {
		lock, err := o.locker.Obtain(ctx, req.PostID, o.opts.LockTTL)
		if errors.Is(err, redispkg.ErrLocked) {
			return nil, failure.InvalidState("post %s is already being published", req.PostID)
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				log.WithError(err).Warn("Failed to release publish lock")
			}
		}()
	}

	post, err := o.store.GetPost(ctx, req.PostID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.NotFound("post %s not found", req.PostID)
	}
	if err != nil {
		return nil, err
	}

	accepted := req.Mode.accepts()
	if o.abandoned(post) {
		log.WithField("processing_started_at", post.ProcessingStartedAt).Warn("Taking over post left in PROCESSING by an unfinished run")
		accepted = append(accepted, models.PostStatusProcessing)
	}
	if !slices.Contains(accepted, post.Status) {
		o.metrics.skipped(req.Mode)
		return nil, failure.InvalidState("post %s is %s", post.ID, post.Status)
	}
	startedAt := o.now()
	claimed, err := o.store.ClaimForProcessing(ctx, post.ID, accepted, startedAt)
	if err != nil {
		return nil, err
	}
	if !claimed {
		o.metrics.skipped(req.Mode)
		return nil, failure.InvalidState("post %s changed status before processing", post.ID)
	}
	post.Status = models.PostStatusProcessing
	post.ProcessingStartedAt = &startedAt
	if post.Analytics == nil {
		post.Analytics = models.AnalyticsMap{}
	}

	targets := Targets(post, req.Platforms)
	log = log.WithField("platforms", targets)
	log.Info("Publishing post")

	outcomes := o.fanOut(ctx, post, targets)
	res := o.reduce(post, outcomes, req.Attempt)

	if err := o.store.SavePostState(ctx, post); err != nil {
		return res, fmt.Errorf("persist publish result: %w", err)
	}

	o.metrics.observeRun(post.Status, o.now().Sub(start))
	o.emit(ctx, req, res, o.now().Sub(start))

	entry := log.WithField("status", post.Status)
	if res.Err != nil {
		entry.WithError(res.Err).Warn("Publish run finished with failures")
	} else {
		entry.Info("Publish run finished")
	}
	return res, nil
}

// abandoned reports whether a PROCESSING post has no run in flight. Holding
// the publish lock proves it; without a locker the claim must be older than
// the lock TTL.
func (o *Orchestrator) abandoned(post *models.Post) bool {
	if post.Status != models.PostStatusProcessing {
		return false
	}
	if o.locker != nil {
		return true
	}
	return post.ProcessingStartedAt != nil && o.now().Sub(*post.ProcessingStartedAt) >= o.opts.LockTTL
}

// Targets returns the platforms a run attempts: the snapshot intersected with
// the post's platforms (all of them without a snapshot), minus those that
// already published.
func Targets(post *models.Post, snapshot []models.Platform) []models.Platform {
	var out []models.Platform
	for _, p := range post.TargetPlatforms() {
		if len(snapshot) > 0 && !slices.Contains(snapshot, p) {
			continue
		}
		if post.HasPublished(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// fanOut publishes to every target concurrently and waits for all of them.
func (o *Orchestrator) fanOut(ctx context.Context, post *models.Post, targets []models.Platform) []Outcome {
	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.WithFields(logging.Fields{"post_id": post.ID, "platform": p}).
						Errorf("Platform publish panicked: %v", r)
					outcomes[i] = Outcome{Platform: p, Err: failure.Transient(p, nil, "internal error: %v", r)}
				}
			}()
			outcomes[i] = o.publishTo(ctx, post, p)
		}()
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) publishTo(ctx context.Context, post *models.Post, p models.Platform) Outcome {
	started := o.now()
	fail := func(err error) Outcome {
		fe := failure.WithPlatform(err, p)
		o.metrics.observeAttempt(p, string(fe.Code), o.now().Sub(started))
		return Outcome{Platform: p, Err: fe}
	}

	adapter, ok := o.adapters.Get(p)
	if !ok {
		return fail(failure.Validation(p, "unsupported platform"))
	}

	account, err := o.store.GetSocialAccount(ctx, post.WorkspaceID, p)
	if errors.Is(err, store.ErrNotFound) {
		return fail(failure.NotFound("no %s account connected", p))
	}
	if err != nil {
		return fail(failure.Transient(p, err, "load account: %v", err))
	}
	if account.Status == models.AccountStatusAuthFailed {
		return fail(failure.Auth(p, "account requires reconnection"))
	}

	if err := adapter.Validate(post); err != nil {
		return fail(err)
	}

	pctx, cancel := context.WithTimeout(ctx, o.opts.PlatformTimeout)
	defer cancel()

	if account.TokenExpiresWithin(o.now(), o.opts.RefreshSkew) {
		creds, err := adapter.RefreshAccessToken(pctx, account)
		if err != nil {
			fe := failure.Classify(err)
			if fe.Code != failure.CodeAuth {
				fe = failure.Auth(p, "token refresh failed: %v", err)
			}
			return fail(fe)
		}
		if err := o.store.UpdateSocialAccountTokens(ctx, account.ID, creds.AccessToken, creds.RefreshToken, creds.ExpiresAt); err != nil {
			o.logger.WithError(err).WithField("platform", p).Warn("Failed to persist refreshed token")
		}
		account.AccessToken = creds.AccessToken
		if creds.RefreshToken != "" {
			account.RefreshToken = creds.RefreshToken
		}
		account.TokenExpiresAt = creds.ExpiresAt
	}

	remoteID, err := adapter.Publish(pctx, post, account)
	if err != nil {
		return fail(err)
	}
	o.metrics.observeAttempt(p, "success", o.now().Sub(started))
	return Outcome{Platform: p, RemoteID: remoteID}
}

// reduce folds outcomes into post and returns the run result.
func (o *Orchestrator) reduce(post *models.Post, outcomes []Outcome, attempt int) *Result {
	now := o.now().UTC()
	var failures []*failure.Error
	for _, oc := range outcomes {
		if oc.Err != nil {
			failures = append(failures, oc.Err)
			continue
		}
		post.Analytics[oc.Platform] = models.PlatformAnalytics{RemotePostID: oc.RemoteID, PublishedAt: now}
	}

	post.Status = post.CoverageStatus()
	res := &Result{Post: post, Outcomes: outcomes}

	if post.Status == models.PostStatusPublished {
		post.PublishedAt = &now
		post.LastError = nil
	}
	switch {
	case len(failures) > 0:
		res.Err = failure.Aggregate(failures, post.Status == models.PostStatusFailed)
	case len(outcomes) == 0 && post.Status != models.PostStatusPublished:
		res.Err = failure.Validation("", "post has no platforms to publish to")
	}
	if res.Err != nil {
		if attempt <= 0 {
			attempt = 1
		}
		post.LastError = &models.PostError{
			Message:   res.Err.Error(),
			Code:      string(res.Err.RecordCode()),
			Timestamp: now,
			Attempt:   attempt,
		}
	}
	return res
}

func (o *Orchestrator) emit(ctx context.Context, req Request, res *Result, took time.Duration) {
	if o.events == nil {
		return
	}
	ev := RunEvent{
		PostID:      res.Post.ID,
		WorkspaceID: res.Post.WorkspaceID,
		Mode:        req.Mode,
		Status:      res.Post.Status,
		DurationMS:  took.Milliseconds(),
	}
	for _, oc := range res.Outcomes {
		if oc.Err != nil {
			ev.Failed = append(ev.Failed, string(oc.Platform))
			continue
		}
		ev.Published = append(ev.Published, oc)
	}
	if res.Err != nil {
		ev.ErrorCode = string(res.Err.RecordCode())
		ev.Error = res.Err.Error()
	}
	if err := o.events.PublishRunCompleted(ctx, ev); err != nil {
		o.logger.WithError(err).WithField("post_id", res.Post.ID).Warn("Failed to emit publish event")
	}
}
