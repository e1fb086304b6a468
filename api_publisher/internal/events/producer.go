// Package events connects the publisher to the Kafka bus: outbound run
// outcomes and administrator alerts, inbound importer announcements.
package events

import (
	"context"
	"fmt"

	"frameworks/api_publisher/internal/publisher"
	"frameworks/api_publisher/internal/retry"
	"frameworks/pkg/kafka"
)

const (
	TopicPublishEvents = "bosun_publish_events"
	TopicAdminAlerts   = "bosun_admin_alerts"
	TopicPostSync      = "bosun_post_sync"
	TopicPostSyncDLQ   = "bosun_post_sync_dlq"

	EventPublishCompleted = "post.publish.completed"
	EventPublishFailed    = "post.publish.failed"
	EventAdminAlert       = "publish.job.exhausted"

	source = "bosun"
)

// Producer writes publisher events. It is both a publisher.EventSink and a
// retry.Notifier.
type Producer struct {
	bus         kafka.EventPublisher
	eventsTopic string
	alertsTopic string
}

func NewProducer(bus kafka.EventPublisher) *Producer {
	return &Producer{bus: bus, eventsTopic: TopicPublishEvents, alertsTopic: TopicAdminAlerts}
}

var (
	_ publisher.EventSink = (*Producer)(nil)
	_ retry.Notifier      = (*Producer)(nil)
)

func (p *Producer) PublishRunCompleted(ctx context.Context, run publisher.RunEvent) error {
	eventType := EventPublishCompleted
	if run.ErrorCode != "" {
		eventType = EventPublishFailed
	}

	published := make([]map[string]any, 0, len(run.Published))
	for _, o := range run.Published {
		published = append(published, map[string]any{
			"platform": string(o.Platform),
			"remoteId": o.RemoteID,
		})
	}
	data := map[string]any{
		"postId":     run.PostID,
		"mode":       string(run.Mode),
		"status":     string(run.Status),
		"published":  published,
		"durationMs": run.DurationMS,
	}
	if len(run.Failed) > 0 {
		data["failed"] = run.Failed
		data["errorCode"] = run.ErrorCode
		data["error"] = run.Error
	}

	ev := kafka.NewEvent(eventType, source, run.PostID, data)
	ev.WorkspaceID = run.WorkspaceID
	if err := p.bus.PublishEvent(ctx, p.eventsTopic, ev); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

func (p *Producer) NotifyAdmins(ctx context.Context, alert retry.Alert) error {
	ev := kafka.NewEvent(EventAdminAlert, source, alert.PostID, map[string]any{
		"jobId":      alert.JobID,
		"queue":      alert.Queue,
		"lifetimeId": alert.LifetimeID,
		"postId":     alert.PostID,
		"attempts":   alert.Attempts,
		"code":       alert.Code,
		"message":    alert.Message,
		"failedAt":   alert.Time,
	})
	ev.WorkspaceID = alert.WorkspaceID
	if err := p.bus.PublishEvent(ctx, p.alertsTopic, ev); err != nil {
		return fmt.Errorf("publish admin alert: %w", err)
	}
	return nil
}
