package worker

import (
	"context"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

// progress tracks one job's advancement: it ratchets the stored progress
// value (never backwards) and publishes a status event per step. Publish and
// store failures degrade to log lines; losing a progress tick must not fail
// the job.
type progress struct {
	jobID    string
	store    domain.JobStore
	notifier domain.Notifier
	logger   zerolog.Logger
	last     int
}

func newProgress(jobID string, store domain.JobStore, notifier domain.Notifier, logger zerolog.Logger) *progress {
	return &progress{jobID: jobID, store: store, notifier: notifier, logger: logger}
}

// Step records a named milestone at the given percentage and publishes it
// with any extra fields.
func (p *progress) Step(ctx context.Context, step string, pct int, fields map[string]any) {
	if pct < p.last {
		pct = p.last
	}
	p.last = pct

	if err := p.store.SetProgress(ctx, p.jobID, domain.JobStatusProcessing, pct); err != nil {
		p.logger.Warn().Err(err).Str("job_id", p.jobID).Str("step", step).Msg("worker: progress write failed")
	}
	p.Emit(ctx, step, mergeFields(fields, map[string]any{"progress": pct}))
}

// Emit publishes an event without touching stored progress. Used for
// informational steps and terminal events.
func (p *progress) Emit(ctx context.Context, step string, fields map[string]any) {
	ev := domain.NewStatusEvent(step, fields)
	if err := p.notifier.Publish(ctx, p.jobID, ev); err != nil {
		p.logger.Warn().Err(err).Str("job_id", p.jobID).Str("step", step).Msg("worker: event publish failed")
	}
}

func mergeFields(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
