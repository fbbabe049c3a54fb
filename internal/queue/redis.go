package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

const (
	keyWait      = "atelier:q:wait"
	keyClaim     = "atelier:q:claim"
	keyActive    = "atelier:q:active"
	keyDelayed   = "atelier:q:delayed"
	keyCompleted = "atelier:q:completed"
	keyFailed    = "atelier:q:failed"
	keyPaused    = "atelier:q:paused"

	fetchPoll = 2 * time.Second
)

func jobKey(id string) string { return "atelier:q:job:" + id }

// Options tunes delivery behavior and retention for the broker.
type Options struct {
	// AttemptLimit caps deliveries per message; past it the message is
	// permanently failed.
	AttemptLimit int
	// Visibility is how long a fetched message stays invisible before the
	// reaper considers its consumer dead and schedules redelivery.
	Visibility time.Duration
	// BackoffBase is the delay before the second delivery; it doubles per
	// subsequent attempt.
	BackoffBase time.Duration
	// KeepCompleted / KeepFailed bound how long terminal entries are
	// retained for polling before eviction.
	KeepCompleted time.Duration
	KeepFailed    time.Duration
	// Finalizer receives messages the broker gives up on (attempt limit,
	// undecodable payload), so the durable job record still reaches a
	// terminal status even though no worker ever ran the job.
	Finalizer FailureFinalizer
}

// FailureFinalizer finalizes the durable record of a permanently failed
// message. domain.JobStore satisfies it.
type FailureFinalizer interface {
	Fail(ctx context.Context, jobID string, reason string) error
}

func (o Options) withDefaults() Options {
	if o.AttemptLimit <= 0 {
		o.AttemptLimit = 3
	}
	if o.Visibility <= 0 {
		o.Visibility = 15 * time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 24 * time.Hour
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 72 * time.Hour
	}
	return o
}

// RedisQueue implements domain.Queue on redis lists and sorted sets.
//
// A message lives in the wait list until a worker moves it to the active set
// with a visibility deadline. Acked messages move to the completed set,
// failed ones to the failed set; both are trimmed by retention. Messages
// whose deadline lapses without an ack are rescheduled through the delayed
// set with exponential backoff until the attempt limit, then failed.
type RedisQueue struct {
	rdb    *redis.Client
	opts   Options
	logger zerolog.Logger
}

// NewRedisQueue builds the broker over an established redis client.
func NewRedisQueue(rdb *redis.Client, opts Options, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{rdb: rdb, opts: opts.withDefaults(), logger: logger}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg domain.JobMessage) error {
	if msg.ID == "" {
		return domain.ErrValidation
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(msg.ID), "payload", data, "attempts", 0, "state", string(domain.QueueStateWaiting))
	pipe.LPush(ctx, keyWait, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.ID, err)
	}
	return nil
}

// FetchNext blocks until a message is claimed or ctx is done. The claimed
// message is invisible to other consumers until Ack, Fail, or its
// visibility deadline.
func (q *RedisQueue) FetchNext(ctx context.Context) (*domain.JobMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := q.rdb.BLMove(ctx, keyWait, keyClaim, "RIGHT", "LEFT", fetchPoll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch next: %w", err)
		}

		msg, err := q.claim(ctx, id)
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("queue: claim failed")
			continue
		}
		if msg == nil {
			// Over the attempt limit or payload gone; already resolved.
			continue
		}
		return msg, nil
	}
}

func (q *RedisQueue) claim(ctx context.Context, id string) (msg *domain.JobMessage, err error) {
	// Release the claim-list entry whatever happens. On a transient error
	// the message goes back to the wait list instead of being stranded;
	// if this process dies before the release runs, the reap sweep
	// recovers the entry.
	defer func() {
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyClaim, 1, id)
		if err != nil {
			pipe.LPush(ctx, keyWait, id)
			pipe.HSet(ctx, jobKey(id), "state", string(domain.QueueStateWaiting))
		}
		if _, perr := pipe.Exec(ctx); perr != nil {
			q.logger.Error().Err(perr).Str("job_id", id).Msg("queue: claim release failed")
		}
	}()

	attempts, err := q.rdb.HIncrBy(ctx, jobKey(id), "attempts", 1).Result()
	if err != nil {
		return nil, err
	}
	if attempts > int64(q.opts.AttemptLimit) {
		q.giveUp(ctx, id, "delivery attempt limit exceeded")
		return nil, nil
	}

	raw, err := q.rdb.HGet(ctx, jobKey(id), "payload").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var decoded domain.JobMessage
	if uerr := json.Unmarshal([]byte(raw), &decoded); uerr != nil {
		q.giveUp(ctx, id, "undecodable payload")
		return nil, nil
	}
	decoded.Attempt = int(attempts)

	deadline := time.Now().Add(q.opts.Visibility).Unix()
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyActive, redis.Z{Score: float64(deadline), Member: id})
	pipe.HSet(ctx, jobKey(id), "state", string(domain.QueueStateActive))
	if _, err = pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &decoded, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg *domain.JobMessage) error {
	if msg == nil {
		return nil
	}
	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive, msg.ID)
	pipe.ZAdd(ctx, keyCompleted, redis.Z{Score: float64(now.Unix()), Member: msg.ID})
	pipe.HSet(ctx, jobKey(msg.ID), "state", string(domain.QueueStateCompleted))
	pipe.Expire(ctx, jobKey(msg.ID), q.opts.KeepCompleted)
	pipe.ZRemRangeByScore(ctx, keyCompleted, "-inf", strconv.FormatInt(now.Add(-q.opts.KeepCompleted).Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", msg.ID, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, msg *domain.JobMessage, reason string) error {
	if msg == nil {
		return nil
	}
	q.markFailed(ctx, msg.ID, reason)
	return nil
}

// giveUp permanently fails a message the broker will never deliver again.
// The finalizer writes the terminal status to the durable record, since no
// worker will.
func (q *RedisQueue) giveUp(ctx context.Context, id, reason string) {
	q.markFailed(ctx, id, reason)
	if q.opts.Finalizer == nil {
		return
	}
	if err := q.opts.Finalizer.Fail(ctx, id, reason); err != nil {
		q.logger.Error().Err(err).Str("job_id", id).Msg("queue: finalize permanent failure")
	}
}

func (q *RedisQueue) markFailed(ctx context.Context, id, reason string) {
	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive, id)
	pipe.ZAdd(ctx, keyFailed, redis.Z{Score: float64(now.Unix()), Member: id})
	pipe.HSet(ctx, jobKey(id), "state", string(domain.QueueStateFailed), "reason", reason)
	pipe.Expire(ctx, jobKey(id), q.opts.KeepFailed)
	pipe.ZRemRangeByScore(ctx, keyFailed, "-inf", strconv.FormatInt(now.Add(-q.opts.KeepFailed).Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error().Err(err).Str("job_id", id).Msg("queue: mark failed")
	}
}

// ReapExpired reschedules messages whose visibility deadline lapsed without
// an ack, recovers claim-list entries left behind by dead consumers, and
// promotes delayed messages that became due. Run periodically by the worker
// binary.
func (q *RedisQueue) ReapExpired(ctx context.Context) error {
	now := time.Now()
	nowScore := strconv.FormatInt(now.Unix(), 10)

	// A consumer that died between the move out of the wait list and the
	// active-set write leaves its id in the claim list with no deadline
	// tracking it. Requeue those; an id whose claim did complete is only
	// leftover bookkeeping. The sweep can race a live claim, which at
	// worst duplicates a delivery.
	claimed, err := q.rdb.LRange(ctx, keyClaim, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("reap claim: %w", err)
	}
	for _, id := range claimed {
		state, err := q.rdb.HGet(ctx, jobKey(id), "state").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			q.logger.Error().Err(err).Str("job_id", id).Msg("queue: reap read state")
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyClaim, 1, id)
		if err == nil && domain.QueueState(state) == domain.QueueStateWaiting {
			pipe.LPush(ctx, keyWait, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("queue: recover claimed")
		}
	}

	expired, err := q.rdb.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{Min: "-inf", Max: nowScore}).Result()
	if err != nil {
		return fmt.Errorf("reap active: %w", err)
	}
	for _, id := range expired {
		attempts, err := q.rdb.HGet(ctx, jobKey(id), "attempts").Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			q.logger.Error().Err(err).Str("job_id", id).Msg("queue: reap read attempts")
			continue
		}
		if attempts >= q.opts.AttemptLimit {
			q.giveUp(ctx, id, "visibility deadline exceeded, attempt limit reached")
			continue
		}
		readyAt := now.Add(q.backoff(attempts)).Unix()
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyActive, id)
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt), Member: id})
		pipe.HSet(ctx, jobKey(id), "state", string(domain.QueueStateDelayed))
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("queue: reschedule")
		}
	}

	due, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: nowScore}).Result()
	if err != nil {
		return fmt.Errorf("reap delayed: %w", err)
	}
	for _, id := range due {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.LPush(ctx, keyWait, id)
		pipe.HSet(ctx, jobKey(id), "state", string(domain.QueueStateWaiting))
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("queue: promote delayed")
		}
	}
	return nil
}

// backoff returns the redelivery delay after the given completed attempt
// count: base doubled per attempt beyond the first.
func (q *RedisQueue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

func (q *RedisQueue) Status(ctx context.Context, jobID string) (domain.QueueState, error) {
	state, err := q.rdb.HGet(ctx, jobKey(jobID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.QueueState(state), nil
}

func (q *RedisQueue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, keyWait)
	active := pipe.ZCard(ctx, keyActive)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	delayed := pipe.ZCard(ctx, keyDelayed)
	paused := pipe.LLen(ctx, keyPaused)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueCounts{}, err
	}
	return domain.QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val(),
	}, nil
}

// Recent samples active then waiting messages, newest first, up to limit.
func (q *RedisQueue) Recent(ctx context.Context, limit int) ([]domain.JobMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := q.rdb.ZRevRange(ctx, keyActive, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) < limit {
		waiting, err := q.rdb.LRange(ctx, keyWait, 0, int64(limit-len(ids)-1)).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, waiting...)
	}

	msgs := make([]domain.JobMessage, 0, len(ids))
	for _, id := range ids {
		raw, err := q.rdb.HGet(ctx, jobKey(id), "payload").Result()
		if err != nil {
			continue
		}
		var msg domain.JobMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

var _ domain.Queue = (*RedisQueue)(nil)
