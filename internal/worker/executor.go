package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
	"atelier/internal/provider"
)

// Progress milestones shared by every handler.
const (
	pctProcessing = 5
	pctDispatched = 20
	pctFetched    = 55
	pctUploaded   = 90
)

// Executor drives one job message to a terminal status. It is shared by the
// worker pool and by the gateway's synchronous fallback path.
type Executor struct {
	Store    domain.JobStore
	Objects  domain.ObjectStore
	Provider *provider.Client
	Notifier domain.Notifier
	Logger   zerolog.Logger
	// Timeout is the hard wall-clock bound per job; past it the job is
	// finalized as timed out.
	Timeout time.Duration
}

// Outcome is the terminal result of executing one message.
type Outcome struct {
	ResultKeys []string
	Err        error
}

// Execute runs the message's handler and finalizes the job exactly once.
// Any handler error or panic is converted to a terminal failed status; it
// never propagates out of this boundary.
func (e *Executor) Execute(ctx context.Context, msg domain.JobMessage) Outcome {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	p := newProgress(msg.ID, e.Store, e.Notifier, e.Logger)
	keys, err := e.run(ctx, msg, p)
	if err != nil {
		reason := failureReason(ctx, err)
		e.Logger.Error().Err(err).Str("job_id", msg.ID).Str("job_type", string(msg.Type)).Msg("worker: job failed")
		// Finalization must not use the job ctx: it may already be past
		// its deadline.
		finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if storeErr := e.Store.Fail(finalCtx, msg.ID, reason); storeErr != nil {
			e.Logger.Error().Err(storeErr).Str("job_id", msg.ID).Msg("worker: fail write failed")
		}
		p.Emit(finalCtx, domain.StepError, map[string]any{"error": reason})
		return Outcome{Err: err}
	}
	return Outcome{ResultKeys: keys}
}

func (e *Executor) run(ctx context.Context, msg domain.JobMessage, p *progress) (keys []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handler, ok := handlers[msg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, msg.Type)
	}

	// Idempotent pre-processing upsert: redelivery after a crash refreshes
	// the same row instead of creating a duplicate.
	if err := e.Store.Upsert(ctx, &domain.Job{
		ID:        msg.ID,
		OwnerID:   msg.OwnerID,
		Type:      msg.Type,
		Status:    domain.JobStatusProcessing,
		Progress:  pctProcessing,
		InputJSON: msg.Payload,
		Attempts:  msg.Attempt,
	}); err != nil {
		return nil, err
	}
	p.Step(ctx, "processing", pctProcessing, map[string]any{"attempt": msg.Attempt})

	result, err := handler(ctx, e, msg, p)
	if err != nil {
		return nil, err
	}
	if len(result.Keys) == 0 {
		return nil, errors.New("handler produced no result keys")
	}

	if err := e.Store.Complete(ctx, msg.ID, result.Keys, result.MetadataJSON); err != nil {
		return nil, err
	}
	p.Emit(ctx, domain.StepComplete, map[string]any{"progress": 100, "result_keys": result.Keys})
	return result.Keys, nil
}

func failureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.ErrTimeout.Error()
	default:
		return err.Error()
	}
}
