package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

// PoolConfig tunes the consumer side of the pipeline.
type PoolConfig struct {
	// Concurrency is the fixed worker slot count; each slot holds one job
	// from dequeue to terminal status.
	Concurrency int
	// ReapInterval is how often the queue's redelivery sweep runs.
	ReapInterval time.Duration
	// StaleAfter marks processing jobs older than this as candidates for
	// the reconciliation sweep; zero disables the sweep.
	StaleAfter time.Duration
	// StaleCheckInterval is how often the reconciliation sweep runs.
	StaleCheckInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = 5 * time.Minute
	}
	return c
}

// Reaper is the queue-side redelivery sweep, implemented by the redis
// broker.
type Reaper interface {
	ReapExpired(ctx context.Context) error
}

// Pool consumes the job queue with bounded concurrency and drives each
// message to a terminal status through the Executor.
type Pool struct {
	queue    domain.Queue
	executor *Executor
	logger   zerolog.Logger
	cfg      PoolConfig
	wg       sync.WaitGroup
}

func NewPool(queue domain.Queue, executor *Executor, cfg PoolConfig, logger zerolog.Logger) *Pool {
	return &Pool{queue: queue, executor: executor, logger: logger, cfg: cfg.withDefaults()}
}

// Run blocks until ctx is canceled and every worker slot has drained.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("concurrency", p.cfg.Concurrency).Msg("worker: pool started")

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.consume(ctx, slot)
		}(i)
	}

	if reaper, ok := p.queue.(Reaper); ok {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reapLoop(ctx, reaper)
		}()
	}
	if p.cfg.StaleAfter > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reconcileLoop(ctx)
		}()
	}

	p.wg.Wait()
	p.logger.Info().Msg("worker: pool stopped")
	return ctx.Err()
}

func (p *Pool) consume(ctx context.Context, slot int) {
	for {
		msg, err := p.queue.FetchNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Error().Err(err).Int("slot", slot).Msg("worker: fetch failed")
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		p.logger.Info().Str("job_id", msg.ID).Str("job_type", string(msg.Type)).Int("attempt", msg.Attempt).Int("slot", slot).Msg("worker: picked job")
		outcome := p.executor.Execute(ctx, *msg)

		// Finalize against the broker with a fresh context: the job ctx
		// may have been canceled mid-flight.
		ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if outcome.Err != nil {
			if err := p.queue.Fail(ackCtx, msg, outcome.Err.Error()); err != nil {
				p.logger.Error().Err(err).Str("job_id", msg.ID).Msg("worker: queue fail failed")
			}
		} else {
			if err := p.queue.Ack(ackCtx, msg); err != nil {
				p.logger.Error().Err(err).Str("job_id", msg.ID).Msg("worker: queue ack failed")
			}
		}
		cancel()

		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context, reaper Reaper) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := reaper.ReapExpired(ctx); err != nil {
				p.logger.Error().Err(err).Msg("worker: reap sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// reconcileLoop fails jobs stuck in processing past the staleness
// threshold. Artifacts a dead attempt already wrote are not cleaned up.
func (p *Pool) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reconcileOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) reconcileOnce(ctx context.Context) {
	stale, err := p.executor.Store.StaleProcessing(ctx, p.cfg.StaleAfter)
	if err != nil {
		p.logger.Error().Err(err).Msg("worker: stale scan failed")
		return
	}
	for _, job := range stale {
		p.logger.Warn().Str("job_id", job.ID).Time("updated_at", job.UpdatedAt).Msg("worker: reconciling stale job")
		if err := p.executor.Store.Fail(ctx, job.ID, "stale processing deadline exceeded"); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: stale fail write failed")
			continue
		}
		ev := domain.NewStatusEvent(domain.StepError, map[string]any{"error": "stale processing deadline exceeded"})
		if err := p.executor.Notifier.Publish(ctx, job.ID, ev); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: stale event publish failed")
		}
	}
}
