package publisher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"frameworks/api_publisher/internal/failure"
	"frameworks/api_publisher/internal/platform"
	"frameworks/api_publisher/internal/store"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
	redispkg "frameworks/pkg/redis"
)

type memStore struct {
	mu       sync.Mutex
	posts    map[string]*models.Post
	accounts map[models.Platform]*models.SocialAccount
	saved    []models.Post
	tokens   map[string]string
	saveErr  error
}

func newMemStore(post *models.Post) *memStore {
	s := &memStore{
		posts:    map[string]*models.Post{},
		accounts: map[models.Platform]*models.SocialAccount{},
		tokens:   map[string]string{},
	}
	if post != nil {
		s.posts[post.ID] = post
		for _, p := range post.Platforms {
			s.accounts[p] = &models.SocialAccount{ID: "acct-" + string(p), WorkspaceID: post.WorkspaceID, Platform: p, AccessToken: "tok", Status: models.AccountStatusActive}
		}
	}
	return s
}

func (s *memStore) GetPost(_ context.Context, id string) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	cp.Analytics = models.AnalyticsMap{}
	for k, v := range p.Analytics {
		cp.Analytics[k] = v
	}
	return &cp, nil
}

func (s *memStore) ClaimForProcessing(_ context.Context, id string, allowed []models.PostStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || !slices.Contains(allowed, p.Status) {
		return false, nil
	}
	p.Status = models.PostStatusProcessing
	p.ProcessingStartedAt = &at
	return true, nil
}

func (s *memStore) SavePostState(_ context.Context, post *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *post
	s.posts[post.ID] = &cp
	s.saved = append(s.saved, cp)
	return nil
}

func (s *memStore) GetSocialAccount(_ context.Context, _ string, p models.Platform) (*models.SocialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[p]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) UpdateSocialAccountTokens(_ context.Context, accountID, access, _ string, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[accountID] = access
	return nil
}

type fakeAdapter struct {
	platform   models.Platform
	publish    func(ctx context.Context, post *models.Post, account *models.SocialAccount) (string, error)
	refresh    func() (platform.Credentials, error)
	validate   error
	mu         sync.Mutex
	calls      int
	lastToken  string
	refreshHit int
}

func (f *fakeAdapter) Platform() models.Platform { return f.platform }
func (f *fakeAdapter) Rules() platform.Rules     { return platform.Rules{} }
func (f *fakeAdapter) Validate(*models.Post) error {
	return f.validate
}

func (f *fakeAdapter) Publish(ctx context.Context, post *models.Post, account *models.SocialAccount) (string, error) {
	f.mu.Lock()
	f.calls++
	f.lastToken = account.AccessToken
	f.mu.Unlock()
	if f.publish == nil {
		return "remote-" + string(f.platform), nil
	}
	return f.publish(ctx, post, account)
}

func (f *fakeAdapter) RefreshAccessToken(context.Context, *models.SocialAccount) (platform.Credentials, error) {
	f.mu.Lock()
	f.refreshHit++
	f.mu.Unlock()
	if f.refresh == nil {
		return platform.Credentials{AccessToken: "fresh"}, nil
	}
	return f.refresh()
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	events []RunEvent
}

func (r *recordingSink) PublishRunCompleted(_ context.Context, ev RunEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func scheduledPost(platforms ...models.Platform) *models.Post {
	return &models.Post{
		ID:          "post-1",
		WorkspaceID: "ws-1",
		Content:     "hello",
		Platforms:   platforms,
		Status:      models.PostStatusScheduled,
		Analytics:   models.AnalyticsMap{},
	}
}

type harness struct {
	store    *memStore
	adapters map[models.Platform]*fakeAdapter
	sink     *recordingSink
	orch     *Orchestrator
}

func newHarness(t *testing.T, post *models.Post, locker *redispkg.Locker) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(post),
		adapters: map[models.Platform]*fakeAdapter{},
		sink:     &recordingSink{},
	}
	var pubs []platform.Publisher
	for _, p := range []models.Platform{models.PlatformTwitter, models.PlatformInstagram, models.PlatformLinkedIn} {
		a := &fakeAdapter{platform: p}
		h.adapters[p] = a
		pubs = append(pubs, a)
	}
	h.orch = New(h.store, platform.NewRegistry(pubs...), locker, h.sink, nil, Options{}, logging.NewDiscardLogger())
	return h
}

func (h *harness) publish(t *testing.T, mode Mode, snapshot ...models.Platform) (*Result, error) {
	t.Helper()
	return h.orch.PublishPost(context.Background(), Request{PostID: "post-1", Mode: mode, Platforms: snapshot, Attempt: 1})
}

func TestPublishAllSucceed(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn), nil)

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Nil(t, res.Err)

	post := res.Post
	require.Equal(t, models.PostStatusPublished, post.Status)
	require.Equal(t, "remote-TWITTER", post.Analytics[models.PlatformTwitter].RemotePostID)
	require.Equal(t, "remote-LINKEDIN", post.Analytics[models.PlatformLinkedIn].RemotePostID)
	require.NotNil(t, post.PublishedAt)
	require.NotNil(t, post.ProcessingStartedAt)
	require.Nil(t, post.LastError)
	require.Zero(t, h.adapters[models.PlatformInstagram].callCount())

	require.Len(t, h.store.saved, 1)
	require.Len(t, h.sink.events, 1)
	require.Equal(t, models.PostStatusPublished, h.sink.events[0].Status)
	require.Len(t, h.sink.events[0].Published, 2)
}

func TestPublishPartialFailure(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn), nil)
	h.adapters[models.PlatformLinkedIn].publish = func(context.Context, *models.Post, *models.SocialAccount) (string, error) {
		return "", failure.Transient(models.PlatformLinkedIn, nil, "HTTP 503")
	}

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPartiallyPublished, res.Post.Status)
	require.Equal(t, failure.CodePartialFailure, res.Err.Code)
	require.True(t, res.Post.HasPublished(models.PlatformTwitter))
	require.False(t, res.Post.HasPublished(models.PlatformLinkedIn))

	require.NotNil(t, res.Post.LastError)
	require.Contains(t, res.Post.LastError.Message, "LINKEDIN")
	require.Equal(t, string(failure.CodeTransient), res.Post.LastError.Code)
	require.Equal(t, 1, res.Post.LastError.Attempt)
	require.Nil(t, res.Post.PublishedAt)
}

func TestPublishAllFail(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn), nil)
	h.adapters[models.PlatformTwitter].publish = func(context.Context, *models.Post, *models.SocialAccount) (string, error) {
		return "", failure.RateLimit(models.PlatformTwitter, 0, "429")
	}
	h.adapters[models.PlatformLinkedIn].publish = func(context.Context, *models.Post, *models.SocialAccount) (string, error) {
		return "", errors.New("unexpected")
	}

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusFailed, res.Post.Status)
	require.Equal(t, failure.CodeAllPlatformsFailed, res.Err.Code)
	require.Len(t, res.Err.Causes, 2)
	require.Equal(t, string(failure.CodeAllPlatformsFailed), res.Post.LastError.Code)

	// Unclassified adapter errors are attributed and marked UNKNOWN.
	var codes []failure.Code
	for _, c := range res.Err.Causes {
		require.NotEmpty(t, c.Platform)
		codes = append(codes, c.Code)
	}
	require.ElementsMatch(t, []failure.Code{failure.CodeRateLimit, failure.CodeUnknown}, codes)
}

func TestPublishSkipsWhenNotScheduled(t *testing.T) {
	post := scheduledPost(models.PlatformTwitter)
	post.Status = models.PostStatusDraft
	h := newHarness(t, post, nil)

	res, err := h.publish(t, ModeScheduled)
	require.Nil(t, res)
	require.ErrorIs(t, err, &failure.Error{Code: failure.CodeInvalidState})
	require.False(t, failure.Classify(err).Retryable)
	require.Zero(t, h.adapters[models.PlatformTwitter].callCount())
	require.Empty(t, h.store.saved)
}

func TestPublishPublishedIsTerminal(t *testing.T) {
	post := scheduledPost(models.PlatformTwitter)
	post.Status = models.PostStatusPublished
	h := newHarness(t, post, nil)

	for _, mode := range []Mode{ModeScheduled, ModeRetry, ModeManual} {
		_, err := h.publish(t, mode)
		require.ErrorIs(t, err, &failure.Error{Code: failure.CodeInvalidState}, mode)
	}
	require.Zero(t, h.adapters[models.PlatformTwitter].callCount())
}

func TestPublishMissingPost(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.publish(t, ModeScheduled)
	require.ErrorIs(t, err, &failure.Error{Code: failure.CodeNotFound})
}

func TestPublishAuthFailedAccountMakesNoCall(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn), nil)
	h.store.accounts[models.PlatformTwitter].Status = models.AccountStatusAuthFailed

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Zero(t, h.adapters[models.PlatformTwitter].callCount())
	require.Equal(t, 1, h.adapters[models.PlatformLinkedIn].callCount())
	require.Equal(t, models.PostStatusPartiallyPublished, res.Post.Status)
	require.Equal(t, failure.CodeAuth, res.Err.Causes[0].Code)
}

func TestPublishMissingAccount(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformInstagram), nil)
	delete(h.store.accounts, models.PlatformInstagram)

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusFailed, res.Post.Status)
	require.Equal(t, failure.CodeNotFound, res.Err.Causes[0].Code)
	require.Equal(t, models.PlatformInstagram, res.Err.Causes[0].Platform)
}

func TestPublishValidationRejectsLocally(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter), nil)
	h.adapters[models.PlatformTwitter].validate = failure.Validation(models.PlatformTwitter, "too long")

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Zero(t, h.adapters[models.PlatformTwitter].callCount())
	require.Equal(t, models.PostStatusFailed, res.Post.Status)
	require.Equal(t, string(failure.CodeValidation), res.Post.LastError.Code)
}

func TestPublishUnsupportedPlatform(t *testing.T) {
	post := scheduledPost("MASTODON")
	h := newHarness(t, post, nil)

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Equal(t, failure.CodeValidation, res.Err.Causes[0].Code)
}

func TestPublishPanicIsolated(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn), nil)
	h.adapters[models.PlatformTwitter].publish = func(context.Context, *models.Post, *models.SocialAccount) (string, error) {
		panic("boom")
	}

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPartiallyPublished, res.Post.Status)
	require.True(t, res.Post.HasPublished(models.PlatformLinkedIn))
	require.Equal(t, failure.CodeTransient, res.Err.Causes[0].Code)
}

func TestPublishRunsPlatformsConcurrently(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn, models.PlatformInstagram), nil)

	var arrived sync.WaitGroup
	arrived.Add(3)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()
	for _, a := range h.adapters {
		a.publish = func(ctx context.Context, _ *models.Post, _ *models.SocialAccount) (string, error) {
			arrived.Done()
			select {
			case <-release:
				return "ok", nil
			case <-time.After(5 * time.Second):
				return "", failure.Transient("", nil, "platforms ran sequentially")
			}
		}
	}

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Nil(t, res.Err)
	require.Equal(t, models.PostStatusPublished, res.Post.Status)
}

func TestPublishRetrySnapshotSkipsPublished(t *testing.T) {
	post := scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn)
	post.Status = models.PostStatusPartiallyPublished
	post.Analytics[models.PlatformTwitter] = models.PlatformAnalytics{RemotePostID: "tw-1"}
	post.LastError = &models.PostError{Message: "LINKEDIN: 503"}
	h := newHarness(t, post, nil)

	res, err := h.publish(t, ModeRetry, models.PlatformLinkedIn, models.PlatformTwitter)
	require.NoError(t, err)
	require.Zero(t, h.adapters[models.PlatformTwitter].callCount())
	require.Equal(t, 1, h.adapters[models.PlatformLinkedIn].callCount())
	require.Equal(t, models.PostStatusPublished, res.Post.Status)
	require.Equal(t, "tw-1", res.Post.Analytics[models.PlatformTwitter].RemotePostID)
	require.Nil(t, res.Post.LastError)
}

func TestPublishRetryModeRejectsDraft(t *testing.T) {
	post := scheduledPost(models.PlatformTwitter)
	post.Status = models.PostStatusDraft
	h := newHarness(t, post, nil)

	_, err := h.publish(t, ModeRetry)
	require.ErrorIs(t, err, &failure.Error{Code: failure.CodeInvalidState})

	res, err := h.publish(t, ModeManual)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPublished, res.Post.Status)
}

func TestPublishRefreshesExpiringToken(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter), nil)
	soon := time.Now().Add(time.Minute)
	h.store.accounts[models.PlatformTwitter].TokenExpiresAt = &soon

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPublished, res.Post.Status)

	a := h.adapters[models.PlatformTwitter]
	require.Equal(t, 1, a.refreshHit)
	require.Equal(t, "fresh", a.lastToken)
	require.Equal(t, "fresh", h.store.tokens["acct-TWITTER"])
}

func TestPublishRefreshFailureIsAuth(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter), nil)
	soon := time.Now().Add(time.Minute)
	h.store.accounts[models.PlatformTwitter].TokenExpiresAt = &soon
	h.adapters[models.PlatformTwitter].refresh = func() (platform.Credentials, error) {
		return platform.Credentials{}, errors.New("invalid_grant")
	}

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Zero(t, h.adapters[models.PlatformTwitter].callCount())
	require.Equal(t, failure.CodeAuth, res.Err.Causes[0].Code)
}

func TestPublishNoPlatforms(t *testing.T) {
	h := newHarness(t, scheduledPost(), nil)

	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusFailed, res.Post.Status)
	require.NotNil(t, res.Err)
	require.NotNil(t, res.Post.LastError)
}

func TestPublishPersistFailure(t *testing.T) {
	h := newHarness(t, scheduledPost(models.PlatformTwitter), nil)
	h.store.saveErr = errors.New("db down")

	res, err := h.publish(t, ModeScheduled)
	require.Error(t, err)
	require.NotNil(t, res)
	require.Empty(t, h.sink.events)
}

func TestPublishNarrowedRetryFailureIsPartial(t *testing.T) {
	post := scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn)
	post.Status = models.PostStatusPartiallyPublished
	post.Analytics[models.PlatformTwitter] = models.PlatformAnalytics{RemotePostID: "tw-1"}
	h := newHarness(t, post, nil)
	h.adapters[models.PlatformLinkedIn].publish = func(context.Context, *models.Post, *models.SocialAccount) (string, error) {
		return "", failure.Transient(models.PlatformLinkedIn, nil, "503")
	}

	res, err := h.publish(t, ModeRetry, models.PlatformLinkedIn)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPartiallyPublished, res.Post.Status)
	require.Equal(t, failure.CodePartialFailure, res.Err.Code)
	require.Contains(t, res.Err.Error(), "failed on LINKEDIN")
	require.Equal(t, string(failure.CodeTransient), res.Post.LastError.Code)
}

func TestPublishTakesOverAbandonedProcessing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := redispkg.NewLocker(client, "bosun:publish:")

	h := newHarness(t, scheduledPost(models.PlatformTwitter), locker)
	h.store.saveErr = errors.New("db down")

	_, err := h.publish(t, ModeScheduled)
	require.Error(t, err)
	stuck, err := h.store.GetPost(context.Background(), "post-1")
	require.NoError(t, err)
	require.Equal(t, models.PostStatusProcessing, stuck.Status)

	// A run still holding the lock is not abandoned.
	held, err := locker.Obtain(context.Background(), "post-1", time.Minute)
	require.NoError(t, err)
	_, err = h.publish(t, ModeRetry)
	require.ErrorIs(t, err, &failure.Error{Code: failure.CodeInvalidState})
	require.NoError(t, held.Release(context.Background()))

	h.store.mu.Lock()
	h.store.saveErr = nil
	h.store.mu.Unlock()
	res, err := h.publish(t, ModeRetry)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPublished, res.Post.Status)
	require.Equal(t, 2, h.adapters[models.PlatformTwitter].callCount())
}

func TestPublishAbandonedWithoutLockerNeedsAge(t *testing.T) {
	post := scheduledPost(models.PlatformTwitter)
	post.Status = models.PostStatusProcessing
	recent := time.Now().Add(-time.Minute)
	post.ProcessingStartedAt = &recent
	h := newHarness(t, post, nil)

	_, err := h.publish(t, ModeRetry)
	require.ErrorIs(t, err, &failure.Error{Code: failure.CodeInvalidState})
	require.Zero(t, h.adapters[models.PlatformTwitter].callCount())

	old := time.Now().Add(-time.Hour)
	h.store.mu.Lock()
	h.store.posts["post-1"].ProcessingStartedAt = &old
	h.store.mu.Unlock()

	res, err := h.publish(t, ModeRetry)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPublished, res.Post.Status)
}

func TestPublishLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := redispkg.NewLocker(client, "bosun:publish:")

	h := newHarness(t, scheduledPost(models.PlatformTwitter), locker)

	held, err := locker.Obtain(context.Background(), "post-1", time.Minute)
	require.NoError(t, err)

	_, err = h.publish(t, ModeScheduled)
	require.ErrorIs(t, err, &failure.Error{Code: failure.CodeInvalidState})
	require.Zero(t, h.adapters[models.PlatformTwitter].callCount())

	require.NoError(t, held.Release(context.Background()))
	res, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPublished, res.Post.Status)

	// The run released its lock.
	again, err := locker.Obtain(context.Background(), "post-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(context.Background()))
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		PlatformAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "attempts"}, []string{"platform", "result"}),
		Runs:             prometheus.NewCounterVec(prometheus.CounterOpts{Name: "runs"}, []string{"status"}),
		Skipped:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "skipped"}, []string{"mode"}),
	}
	reg.MustRegister(m.PlatformAttempts, m.Runs, m.Skipped)

	h := newHarness(t, scheduledPost(models.PlatformTwitter), nil)
	h.orch.metrics = m

	_, err := h.publish(t, ModeScheduled)
	require.NoError(t, err)
	_, err = h.publish(t, ModeScheduled)
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.PlatformAttempts.WithLabelValues("TWITTER", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("PUBLISHED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Skipped.WithLabelValues("scheduled")))
}

func TestTargets(t *testing.T) {
	post := scheduledPost(models.PlatformTwitter, models.PlatformLinkedIn, models.PlatformTwitter)
	require.Equal(t, []models.Platform{models.PlatformTwitter, models.PlatformLinkedIn}, Targets(post, nil))
	require.Equal(t, []models.Platform{models.PlatformLinkedIn}, Targets(post, []models.Platform{models.PlatformLinkedIn, models.PlatformInstagram}))

	post.Analytics[models.PlatformTwitter] = models.PlatformAnalytics{RemotePostID: "x"}
	require.Equal(t, []models.Platform{models.PlatformLinkedIn}, Targets(post, nil))
}
