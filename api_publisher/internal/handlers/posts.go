package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"frameworks/pkg/logging"
	"frameworks/pkg/models"
)

// PostsHandler serves schedule, cancel and manual publish.
type PostsHandler struct {
	scheduler PostScheduler
	logger    logging.Logger
	metrics   *APIMetrics
}

func NewPostsHandler(s PostScheduler, logger logging.Logger, metrics *APIMetrics) *PostsHandler {
	return &PostsHandler{scheduler: s, logger: logger, metrics: metrics}
}

func (h *PostsHandler) Register(r gin.IRouter) {
	posts := r.Group("/posts/:id")
	posts.POST("/schedule", h.Schedule)
	posts.DELETE("/schedule", h.Cancel)
	posts.POST("/publish", h.Publish)
}

func (h *PostsHandler) Schedule(c *gin.Context) {
	id := c.Param("id")
	job, err := h.scheduler.Schedule(c.Request.Context(), id)
	if err != nil {
		h.metrics.IncPost("schedule", "error")
		writeError(c, h.logger, err)
		return
	}
	h.metrics.IncPost("schedule", "success")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"postId":  id,
		"jobId":   job.ID,
		"delayMs": job.DelayMS,
		"fireAt":  job.FireAt,
	})
}

func (h *PostsHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.scheduler.Cancel(c.Request.Context(), id); err != nil {
		h.metrics.IncPost("cancel", "error")
		writeError(c, h.logger, err)
		return
	}
	h.metrics.IncPost("cancel", "success")
	c.JSON(http.StatusOK, gin.H{"success": true, "postId": id})
}

type platformResult struct {
	Platform models.Platform `json:"platform"`
	RemoteID string          `json:"remoteId,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Publish runs a manual publish. Platform failures are part of a 200
// response; the post status tells the caller how far it got.
func (h *PostsHandler) Publish(c *gin.Context) {
	id := c.Param("id")
	res, err := h.scheduler.PublishNow(c.Request.Context(), id)
	if err != nil {
		h.metrics.IncPost("publish", "error")
		writeError(c, h.logger, err)
		return
	}

	results := make([]platformResult, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		pr := platformResult{Platform: o.Platform, RemoteID: o.RemoteID}
		if o.Err != nil {
			pr.Code = string(o.Err.Code)
			pr.Error = o.Err.Error()
		}
		results = append(results, pr)
	}
	h.metrics.IncPost("publish", string(res.Post.Status))
	c.JSON(http.StatusOK, gin.H{
		"success":   res.Err == nil,
		"postId":    id,
		"status":    res.Post.Status,
		"platforms": results,
		"lastError": res.Post.LastError,
	})
}
