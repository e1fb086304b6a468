package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"frameworks/pkg/logging"
)

// Alert tells administrators a job ran out of attempts.
type Alert struct {
	JobID       string    `json:"jobId"`
	Queue       string    `json:"queue"`
	LifetimeID  string    `json:"lifetimeId"`
	PostID      string    `json:"postId"`
	WorkspaceID string    `json:"workspaceId"`
	Attempts    int       `json:"attempts"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Time        time.Time `json:"time"`
}

// Notifier delivers administrator alerts.
type Notifier interface {
	NotifyAdmins(ctx context.Context, alert Alert) error
}

// RedisGuard admits each key once using SET NX. Keys expire after ttl so
// the guard does not grow without bound.
type RedisGuard struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewRedisGuard returns a guard whose keys live for ttl (30 days if zero).
func NewRedisGuard(client goredis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// LogNotifier writes alerts to the log at error level.
type LogNotifier struct {
	Logger logging.Logger
}

func (n LogNotifier) NotifyAdmins(_ context.Context, alert Alert) error {
	n.Logger.WithFields(logging.Fields{
		"job_id":       alert.JobID,
		"queue":        alert.Queue,
		"lifetime_id":  alert.LifetimeID,
		"post_id":      alert.PostID,
		"workspace_id": alert.WorkspaceID,
		"attempts":     alert.Attempts,
		"code":         alert.Code,
	}).Error("Publish job exhausted its attempts: " + alert.Message)
	return nil
}

// MailSender is satisfied by *email.Sender.
type MailSender interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
}

// EmailNotifier mails alerts to a fixed recipient list.
type EmailNotifier struct {
	Sender     MailSender
	Recipients []string
}

func (n EmailNotifier) NotifyAdmins(ctx context.Context, alert Alert) error {
	if n.Sender == nil || len(n.Recipients) == 0 {
		return nil
	}
	subject := fmt.Sprintf("[bosun] post %s failed after %d attempts", alert.PostID, alert.Attempts)

	var b strings.Builder
	fmt.Fprintf(&b, "Post:       %s\n", alert.PostID)
	fmt.Fprintf(&b, "Workspace:  %s\n", alert.WorkspaceID)
	fmt.Fprintf(&b, "Queue:      %s\n", alert.Queue)
	fmt.Fprintf(&b, "Attempts:   %d\n", alert.Attempts)
	fmt.Fprintf(&b, "Error code: %s\n", alert.Code)
	fmt.Fprintf(&b, "Time:       %s\n\n", alert.Time.Format(time.RFC3339))
	b.WriteString(alert.Message)
	b.WriteString("\n")

	return n.Sender.SendMail(ctx, n.Recipients, subject, b.String())
}

// MultiNotifier fans an alert out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyAdmins(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyAdmins(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
