package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is where a job currently sits in the runtime.
type State string

const (
	StateWaiting State = "waiting"
	StateDelayed State = "delayed"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

var (
	// ErrJobNotFound is returned when no job exists under the key.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrJobExists is returned by RunNow when a live job already holds the key.
	ErrJobExists = errors.New("queue: live job exists")
	// ErrNotFailed is returned when retrying a job that is not in the failed set.
	ErrNotFailed = errors.New("queue: job is not failed")
	// ErrJobActive is returned when cancelling a job that is executing.
	ErrJobActive = errors.New("queue: job is active")
)

// Job is one deferred unit of work. ID doubles as the job key: at most one
// live job exists per ID.
type Job struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
	// LifetimeID is assigned when the job is first enqueued and survives
	// requeues. An operator retry of a failed job starts a new lifetime.
	LifetimeID string `json:"lifetimeId"`
	// Token changes on every (re)enqueue so a worker still holding an older
	// copy cannot overwrite the newer one.
	Token        string          `json:"token"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	DelayMS      int64           `json:"delay"`
	FireAt       time.Time       `json:"fireAt"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"timestamp"`
	ProcessedAt  *time.Time      `json:"processedOn,omitempty"`
	FinishedAt   *time.Time      `json:"finishedOn,omitempty"`
	RetriedAt    *time.Time      `json:"retriedAt,omitempty"`

	// State is filled in on reads, never persisted.
	State State `json:"-"`
}

// Delay returns the delay requested on the most recent enqueue.
func (j *Job) Delay() time.Duration {
	return time.Duration(j.DelayMS) * time.Millisecond
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return nil
}

// LastAttempt reports whether this run is the final one the runtime allows.
func (j *Job) LastAttempt() bool {
	return j.AttemptsMade+1 >= j.MaxAttempts
}

// Counts is a snapshot of one queue, in the shape served by the monitoring API.
type Counts struct {
	Name      string `json:"name"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Waiting   int64  `json:"waiting"`
}

type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

// Fatal marks a handler error as terminal: the runtime moves the job straight
// to the failed set instead of retrying it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was wrapped with Fatal.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		return b, nil
	}
}
