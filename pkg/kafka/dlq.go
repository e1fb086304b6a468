package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DLQPayload captures enough context to replay or inspect a failed Kafka message.
type DLQPayload struct {
	Topic       string            `json:"topic"`
	Partition   int32             `json:"partition"`
	Offset      int64             `json:"offset"`
	Timestamp   time.Time         `json:"timestamp"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	KeyBase64   string            `json:"key_base64,omitempty"`
	ValueBase64 string            `json:"value_base64"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error"`
	Consumer    string            `json:"consumer"`
	FailedAt    time.Time         `json:"failed_at"`
}

// EncodeDLQMessage serializes a Kafka message into a DLQ-safe payload. The
// workspace id is taken from the workspace_id header, falling back to a
// workspaceId/workspace_id field in a JSON value.
func EncodeDLQMessage(msg Message, err error, consumer string) ([]byte, error) {
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}

	payload := DLQPayload{
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Timestamp,
		ValueBase64: base64.StdEncoding.EncodeToString(msg.Value),
		Headers:     headers,
		Consumer:    consumer,
		FailedAt:    time.Now().UTC(),
	}

	payload.WorkspaceID = headers["workspace_id"]
	if payload.WorkspaceID == "" {
		payload.WorkspaceID = workspaceFromValue(msg.Value)
		if payload.WorkspaceID != "" {
			headers["workspace_id"] = payload.WorkspaceID
		}
	}

	if len(msg.Key) > 0 {
		payload.KeyBase64 = base64.StdEncoding.EncodeToString(msg.Key)
	}
	if err != nil {
		payload.Error = err.Error()
	}

	b, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", marshalErr)
	}
	return b, nil
}

func workspaceFromValue(value []byte) string {
	var probe struct {
		Camel string `json:"workspaceId"`
		Snake string `json:"workspace_id"`
	}
	if json.Unmarshal(value, &probe) != nil {
		return ""
	}
	if probe.Camel != "" {
		return probe.Camel
	}
	return probe.Snake
}
