package handlers

import (
	"net/http"
	"time"

	"atelier/internal/domain"
)

// Admin endpoints are read-only and best-effort: a backing-store error
// degrades to null/empty fields rather than a failed response.

func (a *App) AdminQueue(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"depth":  nil,
		"counts": nil,
		"recent": []any{},
	}

	if counts, err := a.Queue.Counts(r.Context()); err == nil {
		out["depth"] = counts.Depth()
		out["counts"] = counts
	} else {
		a.Logger.Warn().Err(err).Msg("admin: queue counts unavailable")
	}

	if msgs, err := a.Queue.Recent(r.Context(), 20); err == nil {
		sample := make([]map[string]any, 0, len(msgs))
		for _, msg := range msgs {
			sample = append(sample, map[string]any{
				"id":          msg.ID,
				"type":        msg.Type,
				"attempt":     msg.Attempt,
				"enqueued_at": msg.EnqueuedAt,
			})
		}
		out["recent"] = sample
	} else {
		a.Logger.Warn().Err(err).Msg("admin: recent sample unavailable")
	}

	out["last_completed"], out["last_failed"] = a.lastTerminal(r)

	a.json(w, http.StatusOK, out)
}

func (a *App) lastTerminal(r *http.Request) (lastCompleted, lastFailed any) {
	jobs, err := a.Store.Recent(r.Context(), 50)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("admin: recent jobs unavailable")
		return nil, nil
	}
	for _, job := range jobs {
		switch job.Status {
		case domain.JobStatusCompleted:
			if lastCompleted == nil {
				lastCompleted = jobSummary(job)
			}
		case domain.JobStatusFailed:
			if lastFailed == nil {
				lastFailed = jobSummary(job)
			}
		}
		if lastCompleted != nil && lastFailed != nil {
			break
		}
	}
	return lastCompleted, lastFailed
}

func jobSummary(job domain.Job) map[string]any {
	return map[string]any{
		"id":         job.ID,
		"type":       job.Type,
		"status":     job.Status,
		"progress":   job.Progress,
		"error":      job.ErrorMessage,
		"updated_at": job.UpdatedAt,
	}
}

// AdminCredits exposes the provider's last-reported credit balance. The
// cache is display-only; it is never consulted for correctness.
func (a *App) AdminCredits(w http.ResponseWriter, r *http.Request) {
	remaining, updatedAt, ok := a.Provider.Credits().Snapshot()
	if !ok {
		a.json(w, http.StatusOK, map[string]any{"known": false})
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"known":      true,
		"remaining":  remaining,
		"updated_at": updatedAt.Format(time.RFC3339),
	})
}
