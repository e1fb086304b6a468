package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"frameworks/api_publisher/internal/failure"
	"frameworks/api_publisher/internal/platform"
	"frameworks/api_publisher/internal/queue"
	"frameworks/api_publisher/internal/store"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
)

type accountStore struct {
	accounts map[string]*models.SocialAccount
	updated  map[string]platform.Credentials
}

func newAccountStore(accounts ...*models.SocialAccount) *accountStore {
	s := &accountStore{accounts: map[string]*models.SocialAccount{}, updated: map[string]platform.Credentials{}}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *accountStore) ListAccountsExpiringBefore(_ context.Context, cutoff time.Time, _ int) ([]*models.SocialAccount, error) {
	var out []*models.SocialAccount
	for _, a := range s.accounts {
		if a.Status == models.AccountStatusActive && a.TokenExpiresAt != nil && !a.TokenExpiresAt.After(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *accountStore) GetSocialAccount(_ context.Context, ws string, p models.Platform) (*models.SocialAccount, error) {
	for _, a := range s.accounts {
		if a.WorkspaceID == ws && a.Platform == p {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *accountStore) UpdateSocialAccountTokens(_ context.Context, id, access, refresh string, exp *time.Time) error {
	s.updated[id] = platform.Credentials{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}
	return nil
}

func (s *accountStore) SetSocialAccountStatus(_ context.Context, ws string, p models.Platform, status models.AccountStatus) error {
	for _, a := range s.accounts {
		if a.WorkspaceID == ws && a.Platform == p {
			a.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

type refreshAdapter struct {
	platform.Publisher
	creds platform.Credentials
	err   error
	calls int
}

func (a *refreshAdapter) RefreshAccessToken(context.Context, *models.SocialAccount) (platform.Credentials, error) {
	a.calls++
	return a.creds, a.err
}

type adapterMap map[models.Platform]platform.Publisher

func (m adapterMap) Get(p models.Platform) (platform.Publisher, bool) {
	a, ok := m[p]
	return a, ok
}

func expiring(id string, p models.Platform, in time.Duration) *models.SocialAccount {
	exp := time.Now().Add(in)
	return &models.SocialAccount{
		ID:             id,
		WorkspaceID:    "ws-1",
		Platform:       p,
		AccessToken:    "old",
		RefreshToken:   "r",
		TokenExpiresAt: &exp,
		Status:         models.AccountStatusActive,
	}
}

func newSyncQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, "social-media-sync", queue.Options{}, logging.NewDiscardLogger())
}

func TestSweepEnqueuesExpiringAccounts(t *testing.T) {
	q := newSyncQueue(t)
	st := newAccountStore(
		expiring("acct-1", models.PlatformTwitter, time.Hour),
		expiring("acct-2", models.PlatformLinkedIn, 72*time.Hour),
	)
	r := NewRefresher(st, adapterMap{}, q, Config{Window: 24 * time.Hour}, nil)
	ctx := context.Background()

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := q.GetJob(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	var p RefreshPayload
	require.NoError(t, job.Decode(&p))
	require.Equal(t, RefreshPayload{AccountID: "acct-1", WorkspaceID: "ws-1", Platform: models.PlatformTwitter}, p)

	// A live job is not duplicated.
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func refreshJob(t *testing.T, attempts int) *queue.Job {
	t.Helper()
	data, err := json.Marshal(RefreshPayload{AccountID: "acct-1", WorkspaceID: "ws-1", Platform: models.PlatformTwitter})
	require.NoError(t, err)
	return &queue.Job{ID: "acct-1", Data: data, AttemptsMade: attempts, MaxAttempts: 3}
}

func TestHandleJobStoresTokens(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour)
	adapter := &refreshAdapter{creds: platform.Credentials{AccessToken: "new", RefreshToken: "r2", ExpiresAt: &exp}}
	st := newAccountStore(expiring("acct-1", models.PlatformTwitter, time.Minute))
	r := NewRefresher(st, adapterMap{models.PlatformTwitter: adapter}, newSyncQueue(t), Config{}, nil)

	require.NoError(t, r.HandleJob(context.Background(), refreshJob(t, 0)))
	require.Equal(t, "new", st.updated["acct-1"].AccessToken)
	require.Equal(t, "r2", st.updated["acct-1"].RefreshToken)
}

func TestHandleJobSkipsFreshToken(t *testing.T) {
	adapter := &refreshAdapter{}
	st := newAccountStore(expiring("acct-1", models.PlatformTwitter, 30*24*time.Hour))
	r := NewRefresher(st, adapterMap{models.PlatformTwitter: adapter}, newSyncQueue(t), Config{}, nil)

	require.NoError(t, r.HandleJob(context.Background(), refreshJob(t, 0)))
	require.Zero(t, adapter.calls)
}

func TestHandleJobRetriesBeforeFlagging(t *testing.T) {
	adapter := &refreshAdapter{err: failure.Auth(models.PlatformTwitter, "token refresh failed: timeout")}
	st := newAccountStore(expiring("acct-1", models.PlatformTwitter, time.Minute))
	r := NewRefresher(st, adapterMap{models.PlatformTwitter: adapter}, newSyncQueue(t), Config{}, nil)

	err := r.HandleJob(context.Background(), refreshJob(t, 0))
	require.Error(t, err)
	require.False(t, queue.IsFatal(err))
	require.Equal(t, models.AccountStatusActive, st.accounts["acct-1"].Status)

	err = r.HandleJob(context.Background(), refreshJob(t, 2))
	require.True(t, queue.IsFatal(err))
	require.Equal(t, models.AccountStatusAuthFailed, st.accounts["acct-1"].Status)
}

func TestHandleJobMissingAccount(t *testing.T) {
	r := NewRefresher(newAccountStore(), adapterMap{}, newSyncQueue(t), Config{}, nil)
	err := r.HandleJob(context.Background(), refreshJob(t, 0))
	require.True(t, queue.IsFatal(err))
	require.True(t, errors.Is(err, &failure.Error{Code: failure.CodeNotFound}))
}

func TestHandleJobThroughRuntime(t *testing.T) {
	q := newSyncQueue(t)
	adapter := &refreshAdapter{creds: platform.Credentials{AccessToken: "new"}}
	st := newAccountStore(expiring("acct-1", models.PlatformTwitter, time.Minute))
	r := NewRefresher(st, adapterMap{models.PlatformTwitter: adapter}, q, Config{}, nil)

	payload := RefreshPayload{AccountID: "acct-1", WorkspaceID: "ws-1", Platform: models.PlatformTwitter}
	require.NoError(t, q.RunNow(context.Background(), "acct-1", payload, 3, r.HandleJob))
	require.Equal(t, 1, adapter.calls)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Completed)
}
