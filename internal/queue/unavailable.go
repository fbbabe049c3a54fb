package queue

import (
	"context"
	"fmt"

	"atelier/internal/domain"
)

// Unavailable is a Queue whose every operation fails with the recorded
// cause. The API binary installs it when the broker is down at startup so
// the gateway degrades to synchronous handling instead of refusing to boot.
type Unavailable struct {
	Cause error
}

func (u Unavailable) err() error {
	return fmt.Errorf("%w: queue backend unreachable: %v", domain.ErrServiceUnavailable, u.Cause)
}

func (u Unavailable) Enqueue(ctx context.Context, msg domain.JobMessage) error { return u.err() }

func (u Unavailable) FetchNext(ctx context.Context) (*domain.JobMessage, error) {
	return nil, u.err()
}

func (u Unavailable) Ack(ctx context.Context, msg *domain.JobMessage) error { return u.err() }

func (u Unavailable) Fail(ctx context.Context, msg *domain.JobMessage, reason string) error {
	return u.err()
}

func (u Unavailable) Status(ctx context.Context, jobID string) (domain.QueueState, error) {
	return "", u.err()
}

func (u Unavailable) Counts(ctx context.Context) (domain.QueueCounts, error) {
	return domain.QueueCounts{}, u.err()
}

func (u Unavailable) Recent(ctx context.Context, limit int) ([]domain.JobMessage, error) {
	return nil, u.err()
}

var _ domain.Queue = Unavailable{}
