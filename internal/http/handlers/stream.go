package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"atelier/internal/domain"
)

// JobStream is the live-status endpoint: one SSE connection per
// subscription, events forwarded verbatim as data lines. The connection
// closes on a terminal step, on the hard timeout (after a synthetic timeout
// event), or on client disconnect.
func (a *App) JobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	// Intermediaries must not buffer; terminal events have to arrive live.
	w.Header().Set("X-Accel-Buffering", "no")

	sub, err := a.Notifier.Subscribe(r.Context(), jobID)
	if err != nil {
		a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("stream: subscribe failed")
		writeEvent(w, flusher, domain.NewStatusEvent(domain.StepError, map[string]any{
			"error": "status stream unavailable",
		}))
		return
	}
	defer sub.Close()

	timeout := a.StreamTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	flusher.Flush()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeEvent(w, flusher, ev)
			if ev.Terminal() {
				return
			}
		case <-deadline.C:
			writeEvent(w, flusher, domain.NewStatusEvent(domain.StepTimeout, map[string]any{
				"timeout_seconds": int(timeout.Seconds()),
			}))
			return
		case <-r.Context().Done():
			// Client went away; unsubscribe silently, the worker keeps
			// going.
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.StatusEvent) {
	data, err := ev.Encode()
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
