package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

func channelFor(jobID string) string { return "atelier:events:" + jobID }

// RedisNotifier publishes per-job status events over redis pub/sub. Every
// subscriber of a job's channel receives every event independently, so
// concurrent viewers of the same job each get a full copy.
type RedisNotifier struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewRedisNotifier(rdb *redis.Client, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, logger: logger}
}

func (n *RedisNotifier) Publish(ctx context.Context, jobID string, event domain.StatusEvent) error {
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if err := n.rdb.Publish(ctx, channelFor(jobID), data).Err(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// Subscribe opens one subscription for the job. The first receive confirms
// the subscription with the transport; a down broker surfaces here as
// domain.ErrStreamUnavailable instead of a hanging stream.
func (n *RedisNotifier) Subscribe(ctx context.Context, jobID string) (domain.Subscription, error) {
	ps := n.rdb.Subscribe(ctx, channelFor(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
	}

	sub := &redisSubscription{ps: ps, events: make(chan domain.StatusEvent, 16)}
	go func() {
		defer close(sub.events)
		for msg := range ps.Channel() {
			ev, err := domain.DecodeStatusEvent([]byte(msg.Payload))
			if err != nil {
				n.logger.Warn().Err(err).Str("job_id", jobID).Msg("notify: dropping undecodable event")
				continue
			}
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan domain.StatusEvent
}

func (s *redisSubscription) Events() <-chan domain.StatusEvent { return s.events }

func (s *redisSubscription) Close() error { return s.ps.Close() }

var _ domain.Notifier = (*RedisNotifier)(nil)
