package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"atelier/internal/domain"
)

func testClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:   baseURL,
		APIKey:    "test-key",
		RetryMax:  4,
		RetryBase: 10 * time.Millisecond,
	})
}

func TestClientRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		n := len(hits)
		mu.Unlock()
		if n <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"image": "aGVsbG8=", "content_type": "image/png"})
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	artifacts, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "red dress"})
	if err != nil {
		t.Fatalf("GenerateImage error: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(artifacts))
	}
	if string(artifacts[0].Data) != "hello" {
		t.Fatalf("unexpected artifact data: %q", artifacts[0].Data)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(hits))
	}
	gap1 := hits[2].Sub(hits[1])
	gap2 := hits[3].Sub(hits[2])
	if gap2 <= gap1 {
		t.Fatalf("backoff not increasing: gap1=%v gap2=%v", gap1, gap2)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no such model"})
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	_, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "x"})
	if !errors.Is(err, domain.ErrProviderTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestClientRetries429ThenReturnsFinalBody(t *testing.T) {
	var calls int
	start := time.Now()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"image": "dGhpcmQ=", "content_type": "image/png"})
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	artifacts, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("GenerateImage error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if string(artifacts[0].Data) != "third" {
		t.Fatalf("expected attempt 3 body, got %q", artifacts[0].Data)
	}
	// Two backoff intervals: base + 2*base.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected at least 30ms of backoff, got %v", elapsed)
	}
}

func TestClientCreditCacheWrittenOnEveryResponse(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set(CreditHeader, "41")
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	if _, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
	remaining, _, ok := client.Credits().Snapshot()
	if !ok {
		t.Fatal("credit cache not written on error response")
	}
	if remaining != 41 {
		t.Fatalf("unexpected credits: %d", remaining)
	}
}

func TestClientUnconfigured(t *testing.T) {
	client := NewClient(Options{})
	_, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "x"})
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
}

func TestClientFormEncodedVariant(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Fatalf("unexpected content type: %s", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("category"); got != "top" {
			t.Fatalf("category mismatch: %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"image": "b2s=", "content_type": "image/png"})
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	artifacts, err := client.TryOn(context.Background(), TryOnRequest{
		PersonURL:  "https://example.com/person.jpg",
		GarmentURL: "https://example.com/garment.jpg",
		Category:   "top",
	})
	if err != nil {
		t.Fatalf("TryOn error: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(artifacts))
	}
}
