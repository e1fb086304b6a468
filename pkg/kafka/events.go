package kafka

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope shared by every service event on the bus.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Subject     string         `json:"subject,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent builds an Event with a fresh id and the current UTC time.
func NewEvent(eventType, source, subject string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// EventPublisher is implemented by KafkaProducer; services depend on this so
// tests can swap in a recorder.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, event *Event) error
}

// MessageProducer is the raw record side of KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}
