package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"frameworks/api_publisher/internal/failure"
	"frameworks/api_publisher/internal/publisher"
	"frameworks/api_publisher/internal/queue"
	"frameworks/pkg/auth"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
)

type schedulerStub struct {
	scheduleErr error
	cancelErr   error
	publishRes  *publisher.Result
	publishErr  error
	calls       []string
}

func (s *schedulerStub) Schedule(_ context.Context, id string) (*queue.Job, error) {
	s.calls = append(s.calls, "schedule:"+id)
	if s.scheduleErr != nil {
		return nil, s.scheduleErr
	}
	return &queue.Job{ID: id, DelayMS: 60000, FireAt: time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)}, nil
}

func (s *schedulerStub) Cancel(_ context.Context, id string) error {
	s.calls = append(s.calls, "cancel:"+id)
	return s.cancelErr
}

func (s *schedulerStub) PublishNow(_ context.Context, id string) (*publisher.Result, error) {
	s.calls = append(s.calls, "publish:"+id)
	return s.publishRes, s.publishErr
}

type testEnv struct {
	router    *gin.Engine
	posts     *queue.Queue
	sync      *queue.Queue
	scheduler *schedulerStub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logging.NewDiscardLogger()
	posts := queue.New(client, "post-scheduler", queue.Options{}, logger)
	syncQ := queue.New(client, "social-media-sync", queue.Options{}, logger)
	manager := queue.NewManager(logger, nil, posts, syncQ)

	stub := &schedulerStub{}
	router := gin.New()
	api := router.Group("/api/v1")
	NewJobsHandler(manager, logger, nil).Register(api)
	NewPostsHandler(stub, logger, nil).Register(api)

	return &testEnv{router: router, posts: posts, sync: syncQ, scheduler: stub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func failJob(t *testing.T, q *queue.Queue, id string) {
	t.Helper()
	err := q.RunNow(context.Background(), id, map[string]string{"postId": id}, 1, func(context.Context, *queue.Job) error {
		return queue.Fatal(errors.New("TWITTER: rejected"))
	})
	require.Error(t, err)
}

func TestJobMetrics(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.posts.Enqueue(context.Background(), "post-1", nil, queue.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)
	failJob(t, env.sync, "acct-1")

	w := env.do(t, http.MethodGet, "/api/v1/jobs/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var counts []queue.Counts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	require.Equal(t, []queue.Counts{
		{Name: "post-scheduler", Delayed: 1},
		{Name: "social-media-sync", Failed: 1},
	}, counts)
}

func TestFailedJobsListing(t *testing.T) {
	env := newTestEnv(t)
	failJob(t, env.posts, "post-1")
	failJob(t, env.sync, "acct-1")

	w := env.do(t, http.MethodGet, "/api/v1/jobs/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.Contains(t, j, "failedReason")
		require.Contains(t, j, "attemptsMade")
		require.Contains(t, j, "timestamp")
		require.Contains(t, j, "data")
		require.NotContains(t, j, "token")
	}

	w = env.do(t, http.MethodGet, "/api/v1/jobs/failed?queue=post-scheduler", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "post-1", jobs[0]["id"])
	require.Equal(t, "TWITTER: rejected", jobs[0]["failedReason"])

	w = env.do(t, http.MethodGet, "/api/v1/jobs/failed?queue=nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/jobs/failed?limit=x", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryFailedJob(t *testing.T) {
	env := newTestEnv(t)
	failJob(t, env.posts, "post-1")

	w := env.do(t, http.MethodPost, "/api/v1/jobs/failed/retry", map[string]string{"queue": "post-scheduler", "jobId": "post-1"})
	require.Equal(t, http.StatusOK, w.Code)

	job, err := env.posts.GetJob(context.Background(), "post-1")
	require.NoError(t, err)
	require.Equal(t, queue.StateWaiting, job.State)
	require.NotNil(t, job.RetriedAt)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/failed/retry", map[string]string{"queue": "post-scheduler", "jobId": "post-1"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/failed/retry", map[string]string{"queue": "post-scheduler", "jobId": "missing"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryAllFailedJobs(t *testing.T) {
	env := newTestEnv(t)
	failJob(t, env.posts, "post-1")
	failJob(t, env.posts, "post-2")

	w := env.do(t, http.MethodPost, "/api/v1/jobs/failed/retry", map[string]string{"queue": "post-scheduler"})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Retried int `json:"retried"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Retried)

	counts, err := env.posts.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Failed)
}

func TestRetryValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/jobs/failed/retry", map[string]string{"jobId": "x"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/failed/retry", map[string]string{"queue": "nope"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCleanFailedJobs(t *testing.T) {
	env := newTestEnv(t)
	failJob(t, env.posts, "post-1")

	w := env.do(t, http.MethodDelete, "/api/v1/jobs/failed?queue=post-scheduler&olderThan=24h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"removed":0}`, w.Body.String())

	w = env.do(t, http.MethodDelete, "/api/v1/jobs/failed?queue=post-scheduler", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"removed":1}`, w.Body.String())

	w = env.do(t, http.MethodDelete, "/api/v1/jobs/failed?queue=post-scheduler&olderThan=soon", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedulePost(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/posts/post-1/schedule", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"schedule:post-1"}, env.scheduler.calls)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "post-1", body["jobId"])
	require.EqualValues(t, 60000, body["delayMs"])
}

func TestPostErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{failure.NotFound("post x not found"), http.StatusNotFound},
		{failure.InvalidState("post x is PUBLISHED"), http.StatusConflict},
		{failure.Validation("", "no scheduled time"), http.StatusUnprocessableEntity},
		{errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		env := newTestEnv(t)
		env.scheduler.scheduleErr = tc.err
		w := env.do(t, http.MethodPost, "/api/v1/posts/p/schedule", nil)
		require.Equal(t, tc.want, w.Code, tc.err.Error())
	}

	env := newTestEnv(t)
	env.scheduler.scheduleErr = errors.New("dial tcp 10.0.0.1:6379: refused")
	w := env.do(t, http.MethodPost, "/api/v1/posts/p/schedule", nil)
	require.NotContains(t, w.Body.String(), "10.0.0.1")
}

func TestCancelPost(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodDelete, "/api/v1/posts/post-1/schedule", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"cancel:post-1"}, env.scheduler.calls)

	env.scheduler.cancelErr = failure.InvalidState("post post-1 is being published")
	w = env.do(t, http.MethodDelete, "/api/v1/posts/post-1/schedule", nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestManualPublish(t *testing.T) {
	env := newTestEnv(t)
	linkedInErr := failure.Transient(models.PlatformLinkedIn, nil, "HTTP 503")
	env.scheduler.publishRes = &publisher.Result{
		Post: &models.Post{ID: "post-1", Status: models.PostStatusPartiallyPublished,
			LastError: &models.PostError{Message: "LINKEDIN: HTTP 503", Code: "TRANSIENT_ERROR", Attempt: 1}},
		Outcomes: []publisher.Outcome{
			{Platform: models.PlatformTwitter, RemoteID: "tw-1"},
			{Platform: models.PlatformLinkedIn, Err: linkedInErr},
		},
		Err: failure.Aggregate([]*failure.Error{linkedInErr}, false),
	}

	w := env.do(t, http.MethodPost, "/api/v1/posts/post-1/publish", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success   bool             `json:"success"`
		Status    string           `json:"status"`
		Platforms []platformResult `json:"platforms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, "PARTIALLY_PUBLISHED", body.Status)
	require.Equal(t, "tw-1", body.Platforms[0].RemoteID)
	require.Equal(t, "TRANSIENT_ERROR", body.Platforms[1].Code)
}

func TestRoutesRequireJWT(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := []byte("test-secret")
	stub := &schedulerStub{}

	router := gin.New()
	api := router.Group("/api/v1", auth.JWTAuthMiddleware(secret))
	NewPostsHandler(stub, logging.NewDiscardLogger(), nil).Register(api)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/posts/post-1/schedule", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, stub.calls)

	token, err := auth.GenerateJWT("user-1", "ws-1", "ops@example.com", "admin", time.Hour, secret)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/posts/post-1/schedule", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
