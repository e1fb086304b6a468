// Package accounts keeps social account credentials fresh ahead of the
// publish runs that need them.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"frameworks/api_publisher/internal/failure"
	"frameworks/api_publisher/internal/platform"
	"frameworks/api_publisher/internal/queue"
	"frameworks/api_publisher/internal/store"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
)

type Store interface {
	ListAccountsExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.SocialAccount, error)
	GetSocialAccount(ctx context.Context, workspaceID string, p models.Platform) (*models.SocialAccount, error)
	UpdateSocialAccountTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt *time.Time) error
	SetSocialAccountStatus(ctx context.Context, workspaceID string, p models.Platform, status models.AccountStatus) error
}

type Adapters interface {
	Get(p models.Platform) (platform.Publisher, bool)
}

type JobQueue interface {
	Enqueue(ctx context.Context, id string, payload any, opts queue.EnqueueOptions) (*queue.Job, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
}

// RefreshPayload is the job payload of a token refresh.
type RefreshPayload struct {
	AccountID   string          `json:"accountId"`
	WorkspaceID string          `json:"workspaceId"`
	Platform    models.Platform `json:"platform"`
}

type Config struct {
	// Window refreshes tokens expiring within this duration.
	Window time.Duration
	// Interval between sweeps.
	Interval time.Duration
	// Batch bounds accounts loaded per sweep.
	Batch int
	// MaxAttempts per refresh job.
	MaxAttempts int
}

// Refresher enqueues refresh jobs for expiring tokens and runs them.
type Refresher struct {
	store    Store
	adapters Adapters
	queue    JobQueue
	cfg      Config
	logger   logging.Logger
	now      func() time.Time
}

func NewRefresher(st Store, adapters Adapters, q JobQueue, cfg Config, logger logging.Logger) *Refresher {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Refresher{store: st, adapters: adapters, queue: q, cfg: cfg, logger: logger, now: time.Now}
}

// Sweep enqueues a refresh job for every active account whose token expires
// within the window and has no live job. It returns the number enqueued.
func (r *Refresher) Sweep(ctx context.Context) (int, error) {
	accounts, err := r.store.ListAccountsExpiringBefore(ctx, r.now().Add(r.cfg.Window), r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list expiring accounts: %w", err)
	}
	enqueued := 0
	for _, a := range accounts {
		existing, err := r.queue.GetJob(ctx, a.ID)
		if err != nil {
			r.logger.WithError(err).WithField("account_id", a.ID).Warn("Failed to look up refresh job")
			continue
		}
		if existing != nil && existing.State != queue.StateFailed {
			continue
		}
		payload := RefreshPayload{AccountID: a.ID, WorkspaceID: a.WorkspaceID, Platform: a.Platform}
		if _, err := r.queue.Enqueue(ctx, a.ID, payload, queue.EnqueueOptions{MaxAttempts: r.cfg.MaxAttempts}); err != nil {
			r.logger.WithError(err).WithField("account_id", a.ID).Warn("Failed to enqueue token refresh")
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		r.logger.WithField("count", enqueued).Info("Queued social account token refreshes")
	}
	return enqueued, nil
}

// HandleJob refreshes one account's tokens. Refresh failures are retried by
// the runtime; the last failed attempt flags the account for reconnection.
func (r *Refresher) HandleJob(ctx context.Context, job *queue.Job) error {
	var p RefreshPayload
	if err := job.Decode(&p); err != nil {
		return queue.Fatal(err)
	}
	log := r.logger.WithFields(logging.Fields{
		"account_id": p.AccountID,
		"platform":   p.Platform,
		"attempt":    job.AttemptsMade + 1,
	})

	account, err := r.store.GetSocialAccount(ctx, p.WorkspaceID, p.Platform)
	if errors.Is(err, store.ErrNotFound) {
		return queue.Fatal(failure.NotFound("%s account for workspace %s not found", p.Platform, p.WorkspaceID))
	}
	if err != nil {
		return err
	}
	if account.Status == models.AccountStatusAuthFailed {
		log.Debug("Account awaits reconnection; skipping refresh")
		return nil
	}
	if !account.TokenExpiresWithin(r.now(), r.cfg.Window) {
		log.Debug("Token already refreshed")
		return nil
	}

	adapter, ok := r.adapters.Get(p.Platform)
	if !ok {
		return queue.Fatal(failure.Validation(p.Platform, "unsupported platform"))
	}

	creds, err := adapter.RefreshAccessToken(ctx, account)
	if err != nil {
		if !job.LastAttempt() {
			return err
		}
		if ferr := r.store.SetSocialAccountStatus(ctx, account.WorkspaceID, account.Platform, models.AccountStatusAuthFailed); ferr != nil {
			log.WithError(ferr).Error("Failed to flag social account")
		} else {
			log.WithError(err).Warn("Token refresh failed; social account flagged for reconnection")
		}
		return queue.Fatal(err)
	}

	if err := r.store.UpdateSocialAccountTokens(ctx, account.ID, creds.AccessToken, creds.RefreshToken, creds.ExpiresAt); err != nil {
		return fmt.Errorf("store refreshed tokens: %w", err)
	}
	log.Info("Social account token refreshed")
	return nil
}

// Start sweeps on an interval until ctx ends, starting immediately.
func (r *Refresher) Start(ctx context.Context) {
	r.logger.Info("Starting token refresh worker")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping token refresh worker")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.logger.WithError(err).Error("Token refresh sweep failed")
	}
}
