package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"atelier/internal/provider"
)

// uploadAll persists every artifact under the job's key prefix and returns
// the ordered key list.
func uploadAll(ctx context.Context, e *Executor, jobID string, artifacts []provider.Artifact) ([]string, error) {
	return uploadNamed(ctx, e, jobID, "", artifacts)
}

// uploadNamed prefixes each artifact name with group when set, for batch
// jobs that produce several families of outputs.
func uploadNamed(ctx context.Context, e *Executor, jobID, group string, artifacts []provider.Artifact) ([]string, error) {
	keys := make([]string, 0, len(artifacts))
	for i, artifact := range artifacts {
		name := artifact.Name
		if name == "" {
			name = fmt.Sprintf("artifact-%02d", i+1)
		}
		if group != "" {
			name = group + "-" + name
		}
		key := fmt.Sprintf("jobs/%s/%s", jobID, ensureExtension(name, artifact.ContentType))
		if _, err := e.Objects.UploadBuffer(ctx, artifact.Data, key, artifact.ContentType); err != nil {
			return nil, fmt.Errorf("upload %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func ensureExtension(name, mime string) string {
	if name == "" {
		return name
	}
	expected := extensionForMIME(mime)
	if expected == "" {
		return name
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == expected {
		return name
	}
	if ext == "" {
		return name + expected
	}
	return name
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "application/json":
		return ".json"
	case "application/zip":
		return ".zip"
	case "text/plain":
		return ".txt"
	default:
		return ""
	}
}
