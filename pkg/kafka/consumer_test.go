package kafka

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestConsumerProcessRecordsBlocksPartitionOnFailure(t *testing.T) {
	logger := logrus.New()
	consumer := &Consumer{
		logger:   logger,
		handlers: make(map[string]Handler),
	}

	var handled []string
	consumer.handlers["events"] = func(_ context.Context, msg Message) error {
		handled = append(handled, formatRecordKey(msg.Topic, msg.Partition, msg.Offset))
		if msg.Partition == 0 && msg.Offset == 1 {
			return errors.New("handler failure")
		}
		return nil
	}

	records := []*kgo.Record{
		{Topic: "events", Partition: 0, Offset: 0},
		{Topic: "events", Partition: 0, Offset: 1},
		{Topic: "events", Partition: 0, Offset: 2},
		{Topic: "events", Partition: 1, Offset: 0},
		{Topic: "events", Partition: 1, Offset: 1},
	}

	commitRecords := consumer.processRecords(context.Background(), records)

	sort.Strings(handled)
	expectedHandled := []string{
		formatRecordKey("events", 0, 0),
		formatRecordKey("events", 0, 1),
		formatRecordKey("events", 1, 0),
		formatRecordKey("events", 1, 1),
	}
	sort.Strings(expectedHandled)

	if len(handled) != len(expectedHandled) {
		t.Fatalf("handled records = %v, want %v", handled, expectedHandled)
	}
	for i, value := range handled {
		if value != expectedHandled[i] {
			t.Fatalf("handled records = %v, want %v", handled, expectedHandled)
		}
	}

	commitKeys := make([]string, 0, len(commitRecords))
	for _, record := range commitRecords {
		commitKeys = append(commitKeys, formatRecordKey(record.Topic, record.Partition, record.Offset))
	}
	sort.Strings(commitKeys)

	expectedCommitKeys := []string{
		formatRecordKey("events", 0, 0),
		formatRecordKey("events", 1, 1),
	}
	sort.Strings(expectedCommitKeys)

	if len(commitKeys) != len(expectedCommitKeys) {
		t.Fatalf("commit records = %v, want %v", commitKeys, expectedCommitKeys)
	}
	for i, value := range commitKeys {
		if value != expectedCommitKeys[i] {
			t.Fatalf("commit records = %v, want %v", commitKeys, expectedCommitKeys)
		}
	}
}

type recordingProducer struct {
	topics []string
	keys   []string
	err    error
}

func (r *recordingProducer) ProduceMessage(_ context.Context, topic string, key []byte, _ []byte, _ map[string]string) error {
	if r.err != nil {
		return r.err
	}
	r.topics = append(r.topics, topic)
	r.keys = append(r.keys, string(key))
	return nil
}

var errPermanent = errors.New("post not found")

func TestConsumerProcessRecordsDeadLettersPermanentFailures(t *testing.T) {
	producer := &recordingProducer{}
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}
	consumer.SetDeadLetter(&DeadLetter{
		Producer:  producer,
		Topic:     "events_dlq",
		Consumer:  "test",
		Permanent: func(err error) bool { return errors.Is(err, errPermanent) },
	})
	consumer.handlers["events"] = func(_ context.Context, msg Message) error {
		if msg.Offset == 1 {
			return errPermanent
		}
		return nil
	}

	records := []*kgo.Record{
		{Topic: "events", Partition: 0, Offset: 0},
		{Topic: "events", Partition: 0, Offset: 1, Key: []byte("post-9")},
		{Topic: "events", Partition: 0, Offset: 2},
	}

	commitRecords := consumer.processRecords(context.Background(), records)
	if len(commitRecords) != 1 || commitRecords[0].Offset != 2 {
		t.Fatalf("expected commit through offset 2, got %v", commitRecords)
	}
	if len(producer.topics) != 1 || producer.topics[0] != "events_dlq" || producer.keys[0] != "post-9" {
		t.Fatalf("expected one dead letter, got %v %v", producer.topics, producer.keys)
	}
}

func TestConsumerProcessRecordsBlocksWhenDeadLetterFails(t *testing.T) {
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}
	consumer.SetDeadLetter(&DeadLetter{
		Producer:  &recordingProducer{err: errors.New("broker down")},
		Topic:     "events_dlq",
		Permanent: func(error) bool { return true },
	})
	consumer.handlers["events"] = func(_ context.Context, msg Message) error {
		if msg.Offset == 1 {
			return errPermanent
		}
		return nil
	}

	commitRecords := consumer.processRecords(context.Background(), []*kgo.Record{
		{Topic: "events", Partition: 0, Offset: 0},
		{Topic: "events", Partition: 0, Offset: 1},
		{Topic: "events", Partition: 0, Offset: 2},
	})
	if len(commitRecords) != 1 || commitRecords[0].Offset != 0 {
		t.Fatalf("expected commit only offset 0, got %v", commitRecords)
	}
}

func formatRecordKey(topic string, partition int32, offset int64) string {
	return topic + ":" + formatInt32(partition) + ":" + formatInt64(offset)
}

func formatInt32(value int32) string {
	return formatInt64(int64(value))
}

func formatInt64(value int64) string {
	return strconv.FormatInt(value, 10)
}
