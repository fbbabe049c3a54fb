package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"atelier/internal/domain"
	"atelier/internal/http/handlers"
	"atelier/internal/http/httpapi"
	"atelier/internal/notify"
	"atelier/internal/provider"
	"atelier/internal/worker"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*domain.Job)}
}

func (s *fakeStore) Upsert(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		copied := *job
		copied.CreatedAt = time.Now()
		copied.UpdatedAt = copied.CreatedAt
		s.jobs[job.ID] = &copied
		return nil
	}
	existing.Status = job.Status
	if job.Progress > existing.Progress {
		existing.Progress = job.Progress
	}
	if job.Attempts > existing.Attempts {
		existing.Attempts = job.Attempts
	}
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) SetProgress(ctx context.Context, jobID string, status domain.JobStatus, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Status = status
		if progress > job.Progress {
			job.Progress = progress
		}
	}
	return nil
}

func (s *fakeStore) Complete(ctx context.Context, jobID string, resultKeys []string, metadataJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Status = domain.JobStatusCompleted
		job.Progress = 100
		job.ResultKeys = append([]string(nil), resultKeys...)
		job.ErrorMessage = ""
	}
	return nil
}

func (s *fakeStore) Fail(ctx context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Status = domain.JobStatusFailed
		job.ResultKeys = nil
		job.ErrorMessage = reason
	}
	return nil
}

func (s *fakeStore) MergeMetadata(ctx context.Context, jobID string, metadataJSON []byte) error {
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) Recent(ctx context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out, nil
}

func (s *fakeStore) StaleProcessing(ctx context.Context, olderThan time.Duration) ([]domain.Job, error) {
	return nil, nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (o *fakeObjects) UploadBuffer(ctx context.Context, data []byte, key, contentType string) (domain.StoredObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = append([]byte(nil), data...)
	return domain.StoredObject{Key: key, PublicURL: "https://objects.test/" + key}, nil
}

func (o *fakeObjects) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://objects.test/" + key + "?sig=t", nil
}

func (o *fakeObjects) GetObjectBuffer(ctx context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (o *fakeObjects) DeleteObject(ctx context.Context, key string) error { return nil }

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []domain.JobMessage
	enqueueErr error
	state      domain.QueueState
}

func (q *fakeQueue) Enqueue(ctx context.Context, msg domain.JobMessage) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.mu.Lock()
	q.enqueued = append(q.enqueued, msg)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) FetchNext(ctx context.Context) (*domain.JobMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) Ack(ctx context.Context, msg *domain.JobMessage) error  { return nil }
func (q *fakeQueue) Fail(ctx context.Context, msg *domain.JobMessage, reason string) error {
	return nil
}

func (q *fakeQueue) Status(ctx context.Context, jobID string) (domain.QueueState, error) {
	if q.state == "" {
		return "", domain.ErrNotFound
	}
	return q.state, nil
}

func (q *fakeQueue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	return domain.QueueCounts{Waiting: int64(len(q.enqueued))}, nil
}

func (q *fakeQueue) Recent(ctx context.Context, limit int) ([]domain.JobMessage, error) {
	return q.enqueued, nil
}

type testGateway struct {
	app     *handlers.App
	store   *fakeStore
	queue   *fakeQueue
	objects *fakeObjects
	server  *httptest.Server
}

func newTestGateway(t *testing.T, providerURL string) *testGateway {
	t.Helper()
	store := newFakeStore()
	queue := &fakeQueue{}
	objects := newFakeObjects()
	client := provider.NewClient(provider.Options{
		BaseURL:   providerURL,
		APIKey:    "test-key",
		RetryMax:  2,
		RetryBase: 5 * time.Millisecond,
	})
	app := &handlers.App{
		Logger:   zerolog.Nop(),
		Store:    store,
		Queue:    queue,
		Notifier: notify.NewMemory(),
		Objects:  objects,
		Provider: client,
		Executor: &worker.Executor{
			Store:    store,
			Objects:  objects,
			Provider: client,
			Notifier: notify.NewMemory(),
			Logger:   zerolog.Nop(),
		},
		StreamTimeout: 5 * time.Second,
	}
	server := httptest.NewServer(httpapi.NewRouter(app))
	t.Cleanup(server.Close)
	return &testGateway{app: app, store: store, queue: queue, objects: objects, server: server}
}

func stubProvider(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"image": "cmVzdWx0", "content_type": "image/png"})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestJobSubmitRejectsUnknownType(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)

	resp := postJSON(t, gw.server.URL+"/v1/jobs/", `{"type":"hologram","payload":{}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "unknown_type", body["error"])
	require.Empty(t, gw.queue.enqueued)
}

func TestJobSubmitRejectsMissingFields(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)

	resp := postJSON(t, gw.server.URL+"/v1/jobs/", `{"type":"virtual_try_on","payload":{"person_key":"inputs/p.jpg"}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "validation", body["error"])
	require.Contains(t, body["message"], "garment_key")
	require.Empty(t, gw.queue.enqueued)
}

func TestJobSubmitRequiresConfiguredProvider(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)
	gw.app.Provider = provider.NewClient(provider.Options{})
	server := httptest.NewServer(httpapi.NewRouter(gw.app))
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/jobs/", `{"type":"text_to_image","payload":{"prompt":"silk scarf"}}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Empty(t, gw.queue.enqueued)
}

func TestJobSubmitEnqueues(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)

	resp := postJSON(t, gw.server.URL+"/v1/jobs/", `{"type":"text_to_image","payload":{"prompt":"silk scarf"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	require.Equal(t, "queued", body["status"])

	require.Len(t, gw.queue.enqueued, 1)
	require.Equal(t, jobID, gw.queue.enqueued[0].ID)

	job, err := gw.store.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestJobSubmitFallsBackToSync(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)
	gw.queue.enqueueErr = errors.New("broker down")

	resp := postJSON(t, gw.server.URL+"/v1/jobs/", `{"type":"text_to_image","payload":{"prompt":"silk scarf"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["sync"])
	require.Equal(t, "completed", body["status"])
	result, _ := body["result"].([]any)
	require.Len(t, result, 1)

	jobID, _ := body["job_id"].(string)
	job, err := gw.store.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
}

func TestJobStatusMergesStoreAndQueue(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)
	require.NoError(t, gw.store.Upsert(context.Background(), &domain.Job{
		ID:       "poll-1",
		Type:     domain.JobTypeTextToImage,
		Status:   domain.JobStatusQueued,
		Progress: 0,
	}))
	gw.queue.state = domain.QueueStateDelayed

	resp, err := http.Get(gw.server.URL + "/v1/jobs/poll-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "delayed", body["state"])
}

func TestJobStatusTerminalIgnoresQueueView(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)
	require.NoError(t, gw.store.Upsert(context.Background(), &domain.Job{
		ID:     "poll-2",
		Type:   domain.JobTypeTextToImage,
		Status: domain.JobStatusQueued,
	}))
	require.NoError(t, gw.store.Complete(context.Background(), "poll-2", []string{"jobs/poll-2/out.png"}, nil))
	gw.queue.state = domain.QueueStateWaiting

	resp, err := http.Get(gw.server.URL + "/v1/jobs/poll-2")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, "completed", body["state"])
	require.EqualValues(t, 100, body["progress"])
	result, _ := body["result"].([]any)
	require.Len(t, result, 1)
}

func TestJobStatusNotFound(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)
	resp, err := http.Get(gw.server.URL + "/v1/jobs/nope")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestJobShare(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)
	require.NoError(t, gw.store.Upsert(context.Background(), &domain.Job{
		ID:     "share-1",
		Type:   domain.JobTypeTextToImage,
		Status: domain.JobStatusQueued,
	}))

	// Not yet completed.
	resp, err := http.Get(gw.server.URL + "/v1/jobs/share-1/share")
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, gw.store.Complete(context.Background(), "share-1", []string{"jobs/share-1/out.png"}, nil))
	resp, err = http.Get(gw.server.URL + "/v1/jobs/share-1/share")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "jobs/share-1/out.png", body["key"])
	require.Contains(t, body["url"], "jobs/share-1/out.png")

	// Foreign key rejected.
	resp, err = http.Get(gw.server.URL + "/v1/jobs/share-1/share?key=jobs/other/out.png")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadInput(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "person.jpg")
	require.NoError(t, err)
	_, err = fw.Write([]byte("jpeg-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(gw.server.URL+"/v1/uploads/", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	key, _ := body["key"].(string)
	require.True(t, strings.HasPrefix(key, "inputs/"))
	require.True(t, strings.HasSuffix(key, ".jpg"))

	stored, err := gw.objects.GetObjectBuffer(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(stored))
}

func TestAdminQueue(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)
	require.NoError(t, gw.store.Upsert(context.Background(), &domain.Job{
		ID:     "adm-1",
		Type:   domain.JobTypeTextToImage,
		Status: domain.JobStatusQueued,
	}))
	require.NoError(t, gw.store.Fail(context.Background(), "adm-1", "boom"))

	resp, err := http.Get(gw.server.URL + "/v1/admin/queue")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Contains(t, body, "depth")
	require.Contains(t, body, "counts")
	lastFailed, _ := body["last_failed"].(map[string]any)
	require.Equal(t, "adm-1", lastFailed["id"])
}

func TestAdminCredits(t *testing.T) {
	gw := newTestGateway(t, stubProvider(t).URL)

	resp, err := http.Get(gw.server.URL + "/v1/admin/credits")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, false, body["known"])

	gw.app.Provider.Credits().Observe("12")
	resp, err = http.Get(gw.server.URL + "/v1/admin/credits")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	require.Equal(t, true, body["known"])
	require.EqualValues(t, 12, body["remaining"])
}
