package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"frameworks/api_publisher/internal/queue"
	"frameworks/pkg/logging"
)

const defaultFailedLimit = 100

// JobsHandler serves the queue monitoring surface.
type JobsHandler struct {
	queues  QueueRegistry
	logger  logging.Logger
	metrics *APIMetrics
}

func NewJobsHandler(queues QueueRegistry, logger logging.Logger, metrics *APIMetrics) *JobsHandler {
	return &JobsHandler{queues: queues, logger: logger, metrics: metrics}
}

func (h *JobsHandler) Register(r gin.IRouter) {
	jobs := r.Group("/jobs")
	jobs.GET("/metrics", h.Metrics)
	jobs.GET("/failed", h.Failed)
	jobs.POST("/failed/retry", h.Retry)
	jobs.DELETE("/failed", h.Clean)
}

// Metrics returns the per-queue job counts.
func (h *JobsHandler) Metrics(c *gin.Context) {
	counts, err := h.queues.AllCounts(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

type failedJob struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	FailedReason string          `json:"failedReason"`
	AttemptsMade int             `json:"attemptsMade"`
	Timestamp    time.Time       `json:"timestamp"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// Failed lists failed jobs, newest first per queue. ?queue= narrows to one
// queue and ?limit= caps each queue's listing.
func (h *JobsHandler) Failed(c *gin.Context) {
	limit := defaultFailedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var (
		jobs []*queue.Job
		err  error
	)
	if name := c.Query("queue"); name != "" {
		q, ok := h.queues.Get(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Unknown queue"})
			return
		}
		jobs, err = q.FailedJobs(c.Request.Context(), limit)
	} else {
		jobs, err = h.queues.FailedJobs(c.Request.Context(), limit)
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	out := make([]failedJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, failedJob{
			ID:           j.ID,
			Queue:        j.Queue,
			FailedReason: j.FailedReason,
			AttemptsMade: j.AttemptsMade,
			Timestamp:    j.CreatedAt,
			FinishedOn:   j.FinishedAt,
			Data:         j.Data,
		})
	}
	c.JSON(http.StatusOK, out)
}

type retryRequest struct {
	Queue string `json:"queue" binding:"required"`
	JobID string `json:"jobId"`
}

// Retry re-enqueues one failed job, or every failed job of the queue when
// no jobId is given.
func (h *JobsHandler) Retry(c *gin.Context) {
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.IncJob("retry", "bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format"})
		return
	}
	q, ok := h.queues.Get(req.Queue)
	if !ok {
		h.metrics.IncJob("retry", "unknown_queue")
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Unknown queue"})
		return
	}
	ctx := c.Request.Context()
	log := h.logger.WithFields(logging.Fields{"queue": req.Queue, "job_id": req.JobID})

	if req.JobID == "" {
		n, err := q.RetryAllFailed(ctx)
		if err != nil {
			h.metrics.IncJob("retry_all", "error")
			writeError(c, h.logger, err)
			return
		}
		h.metrics.IncJob("retry_all", "success")
		log.WithField("count", n).Info("Retried all failed jobs")
		c.JSON(http.StatusOK, gin.H{"success": true, "retried": n})
		return
	}

	_, err := q.RetryFailed(ctx, req.JobID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		h.metrics.IncJob("retry", "not_found")
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Job not found"})
		return
	case errors.Is(err, queue.ErrNotFailed):
		h.metrics.IncJob("retry", "not_failed")
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "Job is not in the failed state"})
		return
	case err != nil:
		h.metrics.IncJob("retry", "error")
		writeError(c, h.logger, err)
		return
	}
	h.metrics.IncJob("retry", "success")
	log.Info("Retried failed job")
	c.JSON(http.StatusOK, gin.H{"success": true, "retried": 1})
}

// Clean removes failed jobs that finished more than ?olderThan= ago
// (a Go duration, default 0).
func (h *JobsHandler) Clean(c *gin.Context) {
	name := c.Query("queue")
	q, ok := h.queues.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Unknown queue"})
		return
	}
	var olderThan time.Duration
	if raw := c.Query("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "olderThan must be a non-negative duration"})
			return
		}
		olderThan = d
	}

	n, err := q.Clean(c.Request.Context(), olderThan)
	if err != nil {
		h.metrics.IncJob("clean", "error")
		writeError(c, h.logger, err)
		return
	}
	h.metrics.IncJob("clean", "success")
	h.logger.WithFields(logging.Fields{"queue": name, "removed": n}).Info("Cleaned failed jobs")
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": n})
}
