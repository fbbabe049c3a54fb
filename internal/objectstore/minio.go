package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"atelier/internal/domain"
)

// Signed URL lifetimes. Provider-facing reads get minutes; client-facing
// share links get days. Both are minted on demand, never cached.
const (
	ProviderReadTTL = 15 * time.Minute
	ShareTTL        = 7 * 24 * time.Hour
)

// MinioOpts configures the minio-backed store.
type MinioOpts struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore implements domain.ObjectStore against any S3-compatible
// endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the object storage endpoint and ensures the
// bucket exists.
func NewMinioStore(ctx context.Context, opts MinioOpts) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: connect: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("objectstore: create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: opts.Bucket}, nil
}

func (s *MinioStore) UploadBuffer(ctx context.Context, data []byte, key, contentType string) (domain.StoredObject, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return domain.StoredObject{}, err
	}
	_, err = s.client.PutObject(ctx, s.bucket, cleanKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return domain.StoredObject{}, fmt.Errorf("%w: put %s: %v", domain.ErrStorage, cleanKey, err)
	}

	signed, err := s.SignedURL(ctx, cleanKey, ProviderReadTTL)
	if err != nil {
		return domain.StoredObject{}, err
	}
	return domain.StoredObject{
		Key:       cleanKey,
		PublicURL: s.publicURL(cleanKey),
		SignedURL: signed,
	}, nil
}

func (s *MinioStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, cleanKey, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %v", domain.ErrStorage, cleanKey, err)
	}
	return u.String(), nil
}

func (s *MinioStore) GetObjectBuffer(ctx context.Context, key string) ([]byte, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, cleanKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", domain.ErrStorage, cleanKey, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrStorage, cleanKey, err)
	}
	return data, nil
}

func (s *MinioStore) DeleteObject(ctx context.Context, key string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, cleanKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: remove %s: %v", domain.ErrStorage, cleanKey, err)
	}
	return nil
}

func (s *MinioStore) publicURL(key string) string {
	scheme := "http"
	if s.client.EndpointURL().Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, strings.TrimLeft(key, "/"))
}

var _ domain.ObjectStore = (*MinioStore)(nil)
