package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"atelier/internal/domain"
)

func TestNormalizeInlineDataURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"image":        "data:image/jpeg;base64,aW5saW5l",
			"content_type": "image/jpeg",
		})
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	artifacts, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("GenerateImage error: %v", err)
	}
	if string(artifacts[0].Data) != "inline" {
		t.Fatalf("unexpected data: %q", artifacts[0].Data)
	}
	if artifacts[0].ContentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", artifacts[0].ContentType)
	}
}

func TestNormalizeFetchesRemoteURL(t *testing.T) {
	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("remote-bytes"))
	}))
	defer assets.Close()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"url": assets.URL + "/out.webp"})
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	artifacts, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("GenerateImage error: %v", err)
	}
	if string(artifacts[0].Data) != "remote-bytes" {
		t.Fatalf("unexpected data: %q", artifacts[0].Data)
	}
	if artifacts[0].ContentType != "image/webp" {
		t.Fatalf("fetched content type not preferred: %s", artifacts[0].ContentType)
	}
}

func TestNormalizeItemsBatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]string{
				{"name": "diffuse.png", "image": "b25l"},
				{"image": "dHdv"},
			},
		})
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	artifacts, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("GenerateImage error: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}
	if artifacts[0].Name != "diffuse.png" {
		t.Fatalf("name not carried through: %s", artifacts[0].Name)
	}
	if artifacts[1].Name != "artifact-02" {
		t.Fatalf("missing name not defaulted: %s", artifacts[1].Name)
	}
	if string(artifacts[1].Data) != "two" {
		t.Fatalf("unexpected second artifact: %q", artifacts[1].Data)
	}
}

func TestNormalizeEmptyResponseIsTerminal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer ts.Close()

	client := testClient(ts.URL)
	_, err := client.GenerateImage(context.Background(), TextToImageRequest{Prompt: "x"})
	if !errors.Is(err, domain.ErrProviderTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}
