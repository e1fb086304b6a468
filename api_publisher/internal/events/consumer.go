package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"frameworks/api_publisher/internal/failure"
	"frameworks/api_publisher/internal/queue"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
)

// ErrMalformed marks a sync message that can never be processed.
var ErrMalformed = errors.New("malformed post sync message")

const (
	ActionSchedule = "schedule"
	ActionCancel   = "cancel"
)

// PostSync is the importer's announcement that a post changed.
type PostSync struct {
	PostID      string `json:"postId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Action      string `json:"action"`
}

type Scheduler interface {
	Schedule(ctx context.Context, postID string) (*queue.Job, error)
	Cancel(ctx context.Context, postID string) error
}

// SyncHandler applies importer announcements to the scheduler.
type SyncHandler struct {
	scheduler Scheduler
	logger    logging.Logger
}

func NewSyncHandler(s Scheduler, logger logging.Logger) *SyncHandler {
	return &SyncHandler{scheduler: s, logger: logger}
}

// Handle is a kafka.Handler for TopicPostSync.
func (h *SyncHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var m PostSync
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.PostID == "" {
		return fmt.Errorf("%w: missing postId", ErrMalformed)
	}

	log := h.logger.WithFields(logging.Fields{
		"post_id": m.PostID,
		"action":  m.Action,
		"offset":  msg.Offset,
	})

	switch strings.ToLower(m.Action) {
	case ActionSchedule:
		if _, err := h.scheduler.Schedule(ctx, m.PostID); err != nil {
			return err
		}
	case ActionCancel:
		if err := h.scheduler.Cancel(ctx, m.PostID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformed, m.Action)
	}
	log.Debug("Applied post sync message")
	return nil
}

// Permanent reports whether a handler error will fail again on redelivery.
func Permanent(err error) bool {
	if errors.Is(err, ErrMalformed) {
		return true
	}
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case failure.CodeNotFound, failure.CodeInvalidState, failure.CodeValidation:
		return true
	}
	return false
}

// DeadLetter routes permanent sync failures to TopicPostSyncDLQ.
func DeadLetter(producer kafka.MessageProducer) *kafka.DeadLetter {
	return &kafka.DeadLetter{
		Producer:  producer,
		Topic:     TopicPostSyncDLQ,
		Consumer:  "bosun-post-sync",
		Permanent: Permanent,
	}
}
