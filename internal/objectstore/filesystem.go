package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"atelier/internal/domain"
)

// FileStore persists artifacts onto the local filesystem. It is intended
// for development and test environments where an object storage service is
// not available. Signed URLs degrade to expiring query-tagged links served
// by the API's static file route.
type FileStore struct {
	basePath  string
	publicURL string
}

// NewFileStore initializes a FileStore rooted at basePath. publicBase is
// the URL prefix under which the API serves the directory.
func NewFileStore(basePath, publicBase string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("objectstore: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, publicURL: strings.TrimRight(publicBase, "/")}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

func (s *FileStore) UploadBuffer(ctx context.Context, data []byte, key, contentType string) (domain.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return domain.StoredObject{}, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return domain.StoredObject{}, err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return domain.StoredObject{}, fmt.Errorf("%w: ensure directory: %v", domain.ErrStorage, err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return domain.StoredObject{}, fmt.Errorf("%w: write file: %v", domain.ErrStorage, err)
	}
	if contentType != "" {
		meta, _ := json.Marshal(map[string]string{"content_type": contentType})
		_ = os.WriteFile(fullPath+".meta", meta, 0o644)
	}
	signed, err := s.SignedURL(ctx, cleanKey, ProviderReadTTL)
	if err != nil {
		return domain.StoredObject{}, err
	}
	return domain.StoredObject{
		Key:       cleanKey,
		PublicURL: s.publicURL + "/" + cleanKey,
		SignedURL: signed,
	}, nil
}

func (s *FileStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	escaped := (&url.URL{Path: cleanKey}).EscapedPath()
	return fmt.Sprintf("%s/%s?expires=%d", s.publicURL, escaped, expires), nil
}

func (s *FileStore) GetObjectBuffer(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrStorage, cleanKey, err)
	}
	return data, nil
}

func (s *FileStore) DeleteObject(ctx context.Context, key string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", domain.ErrStorage, cleanKey, err)
	}
	_ = os.Remove(fullPath + ".meta")
	return nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("objectstore: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("objectstore: invalid key")
	}
	return cleaned, nil
}

var _ domain.ObjectStore = (*FileStore)(nil)
