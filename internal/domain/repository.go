package domain

import (
	"context"
	"time"
)

// JobStore defines persistence for job descriptors. All writes are keyed by
// job id and idempotent so message redelivery never creates duplicate rows.
type JobStore interface {
	// Upsert creates or refreshes the descriptor. Progress never decreases
	// and metadata merges rather than clobbers.
	Upsert(ctx context.Context, job *Job) error
	// SetProgress moves the job to status with at least the given progress.
	SetProgress(ctx context.Context, jobID string, status JobStatus, progress int) error
	// Complete finalizes the job with its ordered result keys at progress 100.
	Complete(ctx context.Context, jobID string, resultKeys []string, metadataJSON []byte) error
	// Fail finalizes the job with a human-readable reason.
	Fail(ctx context.Context, jobID string, reason string) error
	// MergeMetadata folds fields into the job's metadata document.
	MergeMetadata(ctx context.Context, jobID string, metadataJSON []byte) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	Recent(ctx context.Context, limit int) ([]Job, error)
	// StaleProcessing lists jobs stuck in processing longer than olderThan,
	// candidates for the reconciliation sweep.
	StaleProcessing(ctx context.Context, olderThan time.Duration) ([]Job, error)
}

// Queue is the durable at-least-once broker delivering job messages to
// workers. A fetched message is invisible to other consumers until acked;
// unacked messages are redelivered up to the broker's attempt limit.
type Queue interface {
	Enqueue(ctx context.Context, msg JobMessage) error
	// FetchNext blocks until a message is available or ctx is done.
	FetchNext(ctx context.Context) (*JobMessage, error)
	// Ack marks the message done and records it in the completed set.
	Ack(ctx context.Context, msg *JobMessage) error
	// Fail marks the message permanently failed (no redelivery).
	Fail(ctx context.Context, msg *JobMessage, reason string) error
	Status(ctx context.Context, jobID string) (QueueState, error)
	Counts(ctx context.Context) (QueueCounts, error)
	Recent(ctx context.Context, limit int) ([]JobMessage, error)
}

// ObjectStore is durable binary blob storage with signed-URL access.
type ObjectStore interface {
	UploadBuffer(ctx context.Context, data []byte, key, contentType string) (StoredObject, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	GetObjectBuffer(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
}

// Notifier is the per-job publish channel for incremental progress events.
// Fan-out: every active subscription receives every event independently.
type Notifier interface {
	Publish(ctx context.Context, jobID string, event StatusEvent) error
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

// Subscription is one live event feed for one job.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan StatusEvent
	Close() error
}
