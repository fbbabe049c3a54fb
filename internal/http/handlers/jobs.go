package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"atelier/internal/domain"
	"atelier/internal/objectstore"
)

type submitRequest struct {
	Type    domain.JobType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	JobID  string   `json:"job_id"`
	Status string   `json:"status"`
	Sync   bool     `json:"sync,omitempty"`
	Result []string `json:"result,omitempty"`
}

// JobSubmit validates the submission, records the descriptor, and enqueues
// it. When the queue backend is unreachable the job runs inline and the
// response carries the sync flag with the final artifact keys.
func (a *App) JobSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := validateSubmission(req.Type, req.Payload); err != nil {
		if errors.Is(err, domain.ErrUnknownJobType) {
			a.error(w, http.StatusBadRequest, "unknown_type", err.Error())
			return
		}
		a.error(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if !a.Provider.Configured() {
		a.error(w, http.StatusServiceUnavailable, "not_configured",
			"generation provider is not configured; set STYLE_ENGINE_API_KEY")
		return
	}

	ownerID := r.Header.Get("X-Owner-ID")
	msg := domain.JobMessage{
		ID:         uuid.NewString(),
		Type:       req.Type,
		OwnerID:    ownerID,
		Payload:    req.Payload,
		EnqueuedAt: time.Now().UTC(),
	}

	job := &domain.Job{
		ID:        msg.ID,
		OwnerID:   ownerID,
		Type:      req.Type,
		Status:    domain.JobStatusQueued,
		Progress:  0,
		InputJSON: req.Payload,
	}
	if err := a.Store.Upsert(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("gateway: job record create failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to record job")
		return
	}

	if err := a.Queue.Enqueue(r.Context(), msg); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", msg.ID).Msg("gateway: queue unreachable, processing inline")
		a.submitSync(w, r, msg)
		return
	}

	a.json(w, http.StatusAccepted, submitResponse{JobID: msg.ID, Status: string(domain.JobStatusQueued)})
}

// submitSync is the fallback path: the job runs in the request handler and
// the final state is returned directly.
func (a *App) submitSync(w http.ResponseWriter, r *http.Request, msg domain.JobMessage) {
	msg.Attempt = 1
	outcome := a.Executor.Execute(r.Context(), msg)
	if outcome.Err != nil {
		a.json(w, http.StatusOK, submitResponse{JobID: msg.ID, Status: string(domain.JobStatusFailed), Sync: true})
		return
	}
	a.json(w, http.StatusOK, submitResponse{
		JobID:  msg.ID,
		Status: string(domain.JobStatusCompleted),
		Sync:   true,
		Result: outcome.ResultKeys,
	})
}

type pollResponse struct {
	ID           string         `json:"id"`
	Type         domain.JobType `json:"type"`
	State        string         `json:"state"`
	Progress     int            `json:"progress"`
	Result       []string       `json:"result,omitempty"`
	FailedReason string         `json:"failedReason,omitempty"`
}

// JobStatus returns the current snapshot for polling clients, merging the
// stored record with the broker's view where available.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Store.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}

	state := stateFor(job.Status)
	if qs, err := a.Queue.Status(r.Context(), jobID); err == nil && !job.Status.Terminal() {
		state = string(qs)
	}

	a.json(w, http.StatusOK, pollResponse{
		ID:           job.ID,
		Type:         job.Type,
		State:        state,
		Progress:     job.Progress,
		Result:       job.ResultKeys,
		FailedReason: job.ErrorMessage,
	})
}

// JobShare mints a long-lived signed URL for one of a completed job's
// result keys.
func (a *App) JobShare(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	key := r.URL.Query().Get("key")
	job, err := a.Store.GetByID(r.Context(), jobID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if job.Status != domain.JobStatusCompleted {
		a.error(w, http.StatusConflict, "not_completed", "job has no shareable result yet")
		return
	}
	if key == "" && len(job.ResultKeys) > 0 {
		key = job.ResultKeys[0]
	}
	if !containsKey(job.ResultKeys, key) {
		a.error(w, http.StatusBadRequest, "bad_request", "key does not belong to this job")
		return
	}
	signed, err := a.Objects.SignedURL(r.Context(), key, objectstore.ShareTTL)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to sign url")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"key": key, "url": signed})
}

func stateFor(status domain.JobStatus) string {
	switch status {
	case domain.JobStatusQueued:
		return string(domain.QueueStateWaiting)
	case domain.JobStatusProcessing:
		return string(domain.QueueStateActive)
	case domain.JobStatusCompleted:
		return string(domain.QueueStateCompleted)
	case domain.JobStatusFailed:
		return string(domain.QueueStateFailed)
	default:
		return string(status)
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
