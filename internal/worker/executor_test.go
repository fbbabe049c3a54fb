package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"atelier/internal/domain"
	"atelier/internal/notify"
	"atelier/internal/provider"
)

// fakeStyleEngine serves every endpoint with one inline artifact unless the
// handler overrides it.
func fakeStyleEngine(t *testing.T, override http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if override != nil {
			override(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"image": "cmVzdWx0", "content_type": "image/png"})
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func testExecutor(t *testing.T, providerURL string) (*Executor, *memStore, *notify.Memory) {
	t.Helper()
	store := newMemStore()
	notifier := notify.NewMemory()
	exec := &Executor{
		Store:   store,
		Objects: newMemObjects(),
		Provider: provider.NewClient(provider.Options{
			BaseURL:   providerURL,
			APIKey:    "test-key",
			RetryMax:  2,
			RetryBase: 5 * time.Millisecond,
		}),
		Notifier: notifier,
		Logger:   zerolog.Nop(),
	}
	return exec, store, notifier
}

func tryOnMessage(id string) domain.JobMessage {
	return domain.JobMessage{
		ID:      id,
		Type:    domain.JobTypeVirtualTryOn,
		OwnerID: "owner-1",
		Payload: json.RawMessage(`{"person_key":"inputs/person.jpg","garment_key":"inputs/garment.jpg","category":"top"}`),
		Attempt: 1,
	}
}

func TestExecuteCompletesJob(t *testing.T) {
	ts, _ := fakeStyleEngine(t, nil)
	exec, store, _ := testExecutor(t, ts.URL)

	outcome := exec.Execute(context.Background(), tryOnMessage("job-1"))
	require.NoError(t, outcome.Err)
	require.Len(t, outcome.ResultKeys, 1)
	require.True(t, strings.HasPrefix(outcome.ResultKeys[0], "jobs/job-1/"))

	job, err := store.GetByID(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Empty(t, job.ErrorMessage)
	require.Equal(t, outcome.ResultKeys, job.ResultKeys)
}

func TestExecuteProgressNeverDecreases(t *testing.T) {
	ts, _ := fakeStyleEngine(t, nil)
	exec, store, _ := testExecutor(t, ts.URL)

	outcome := exec.Execute(context.Background(), tryOnMessage("job-2"))
	require.NoError(t, outcome.Err)

	log := store.progressLog["job-2"]
	require.NotEmpty(t, log)
	for i := 1; i < len(log); i++ {
		require.GreaterOrEqual(t, log[i], log[i-1], "progress regressed at step %d: %v", i, log)
	}
}

func TestExecuteUnknownTypeFailsImmediately(t *testing.T) {
	ts, calls := fakeStyleEngine(t, nil)
	exec, store, _ := testExecutor(t, ts.URL)

	outcome := exec.Execute(context.Background(), domain.JobMessage{
		ID:      "job-3",
		Type:    domain.JobType("hologram"),
		Payload: json.RawMessage(`{}`),
	})
	require.ErrorIs(t, outcome.Err, domain.ErrUnknownJobType)
	require.Zero(t, calls.Load())

	job, err := store.GetByID(context.Background(), "job-3")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "unsupported job type")
}

func TestExecuteTerminalProviderErrorFailsJob(t *testing.T) {
	ts, calls := fakeStyleEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown category"})
	})
	exec, store, _ := testExecutor(t, ts.URL)

	outcome := exec.Execute(context.Background(), tryOnMessage("job-4"))
	require.ErrorIs(t, outcome.Err, domain.ErrProviderTerminal)
	require.EqualValues(t, 1, calls.Load())

	job, err := store.GetByID(context.Background(), "job-4")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, job.Status)
	require.Empty(t, job.ResultKeys)
	require.NotEmpty(t, job.ErrorMessage)
}

func TestExecuteRedeliveryReusesRow(t *testing.T) {
	ts, _ := fakeStyleEngine(t, nil)
	exec, store, _ := testExecutor(t, ts.URL)

	msg := tryOnMessage("job-5")
	require.NoError(t, exec.Execute(context.Background(), msg).Err)
	msg.Attempt = 2
	require.NoError(t, exec.Execute(context.Background(), msg).Err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.jobs, 1)
	require.Equal(t, 2, store.jobs["job-5"].Attempts)
}

func TestExecuteTimeoutFinalizesJob(t *testing.T) {
	ts, _ := fakeStyleEngine(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]string{"image": "cmVzdWx0"})
	})
	exec, store, _ := testExecutor(t, ts.URL)
	exec.Timeout = 50 * time.Millisecond

	outcome := exec.Execute(context.Background(), tryOnMessage("job-6"))
	require.Error(t, outcome.Err)

	job, err := store.GetByID(context.Background(), "job-6")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, job.Status)
	require.Equal(t, domain.ErrTimeout.Error(), job.ErrorMessage)
}

func TestExecutePublishesTerminalEvent(t *testing.T) {
	ts, _ := fakeStyleEngine(t, nil)
	exec, _, notifier := testExecutor(t, ts.URL)

	sub, err := notifier.Subscribe(context.Background(), "job-7")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, exec.Execute(context.Background(), tryOnMessage("job-7")).Err)

	var last domain.StatusEvent
	deadline := time.After(2 * time.Second)
	for !last.Terminal() {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed before terminal event")
			last = ev
		case <-deadline:
			t.Fatal("no terminal event published")
		}
	}
	require.Equal(t, domain.StepComplete, last.Step())
}
