package objectstore

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"atelier/internal/domain"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj, err := store.UploadBuffer(ctx, []byte("pixels"), "jobs/abc/out.png", "image/png")
	if err != nil {
		t.Fatalf("UploadBuffer: %v", err)
	}
	if obj.Key != "jobs/abc/out.png" {
		t.Fatalf("unexpected key: %s", obj.Key)
	}
	if !strings.Contains(obj.SignedURL, "expires=") {
		t.Fatalf("signed url missing expiry: %s", obj.SignedURL)
	}

	data, err := store.GetObjectBuffer(ctx, "jobs/abc/out.png")
	if err != nil {
		t.Fatalf("GetObjectBuffer: %v", err)
	}
	if string(data) != "pixels" {
		t.Fatalf("unexpected content: %q", data)
	}

	if err := store.DeleteObject(ctx, "jobs/abc/out.png"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, err := store.GetObjectBuffer(ctx, "jobs/abc/out.png"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestFileStoreWritesContentTypeSidecar(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.UploadBuffer(context.Background(), []byte("x"), "inputs/a.jpg", "image/jpeg"); err != nil {
		t.Fatalf("UploadBuffer: %v", err)
	}
	meta, err := os.ReadFile(filepath.Join(store.BasePath(), "inputs", "a.jpg.meta"))
	if err != nil {
		t.Fatalf("meta sidecar missing: %v", err)
	}
	if !strings.Contains(string(meta), "image/jpeg") {
		t.Fatalf("unexpected sidecar: %s", meta)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store := newTestStore(t)
	for _, key := range []string{"", "..", "../etc/passwd", "a/../../b"} {
		if _, err := store.UploadBuffer(context.Background(), []byte("x"), key, ""); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}
}

func TestSanitizeKeyNormalizes(t *testing.T) {
	cases := map[string]string{
		"/jobs/a/out.png":   "jobs/a/out.png",
		"./inputs/b.jpg":    "inputs/b.jpg",
		"jobs\\a\\out.png":  "jobs/a/out.png",
		"jobs//a///out.png": "jobs/a/out.png",
	}
	for in, want := range cases {
		got, err := sanitizeKey(in)
		if err != nil {
			t.Fatalf("sanitizeKey(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignedURLExpiryHorizon(t *testing.T) {
	store := newTestStore(t)
	u, err := store.SignedURL(context.Background(), "jobs/a/out.png", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	expires, err := strconv.ParseInt(parsed.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatalf("parse expiry: %v", err)
	}
	min := time.Now().Add(55 * time.Minute).Unix()
	max := time.Now().Add(65 * time.Minute).Unix()
	if expires < min || expires > max {
		t.Fatalf("expiry %d outside [%d, %d]", expires, min, max)
	}
}
