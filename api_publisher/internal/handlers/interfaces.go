package handlers

import (
	"context"

	"frameworks/api_publisher/internal/publisher"
	"frameworks/api_publisher/internal/queue"
)

type PostScheduler interface {
	Schedule(ctx context.Context, postID string) (*queue.Job, error)
	Cancel(ctx context.Context, postID string) error
	PublishNow(ctx context.Context, postID string) (*publisher.Result, error)
}

type QueueRegistry interface {
	AllCounts(ctx context.Context) ([]queue.Counts, error)
	FailedJobs(ctx context.Context, limitPerQueue int) ([]*queue.Job, error)
	Get(name string) (*queue.Queue, bool)
}
