package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"atelier/internal/domain"
)

// memStore mirrors the postgres store's merge semantics in memory: progress
// ratchets, metadata merges, terminal writes clear the opposite field.
type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	progressLog map[string][]int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[string]*domain.Job),
		progressLog: make(map[string][]int),
	}
}

func (s *memStore) get(id string) *domain.Job {
	job, ok := s.jobs[id]
	if !ok {
		job = &domain.Job{ID: id, CreatedAt: time.Now()}
		s.jobs[id] = job
	}
	return job
}

func (s *memStore) Upsert(ctx context.Context, in *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.get(in.ID)
	job.OwnerID = in.OwnerID
	job.Type = in.Type
	job.Status = in.Status
	if in.Progress > job.Progress {
		job.Progress = in.Progress
	}
	job.InputJSON = in.InputJSON
	if in.Attempts > job.Attempts {
		job.Attempts = in.Attempts
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) SetProgress(ctx context.Context, jobID string, status domain.JobStatus, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.get(jobID)
	job.Status = status
	if progress > job.Progress {
		job.Progress = progress
	}
	s.progressLog[jobID] = append(s.progressLog[jobID], job.Progress)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) Complete(ctx context.Context, jobID string, resultKeys []string, metadataJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.get(jobID)
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.ResultKeys = append([]string(nil), resultKeys...)
	job.ErrorMessage = ""
	s.mergeMetadataLocked(job, metadataJSON)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) Fail(ctx context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.get(jobID)
	job.Status = domain.JobStatusFailed
	job.ResultKeys = nil
	job.ErrorMessage = reason
	job.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) MergeMetadata(ctx context.Context, jobID string, metadataJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeMetadataLocked(s.get(jobID), metadataJSON)
	return nil
}

func (s *memStore) mergeMetadataLocked(job *domain.Job, metadataJSON []byte) {
	if len(metadataJSON) == 0 {
		return
	}
	merged := map[string]json.RawMessage{}
	if len(job.MetadataJSON) > 0 {
		_ = json.Unmarshal(job.MetadataJSON, &merged)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(metadataJSON, &incoming); err != nil {
		return
	}
	for k, v := range incoming {
		merged[k] = v
	}
	job.MetadataJSON, _ = json.Marshal(merged)
}

func (s *memStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memStore) Recent(ctx context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) StaleProcessing(ctx context.Context, olderThan time.Duration) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	cutoff := time.Now().Add(-olderThan)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusProcessing && job.UpdatedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

var _ domain.JobStore = (*memStore)(nil)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (o *memObjects) UploadBuffer(ctx context.Context, data []byte, key, contentType string) (domain.StoredObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = append([]byte(nil), data...)
	return domain.StoredObject{
		Key:       key,
		PublicURL: "https://objects.test/" + key,
		SignedURL: "https://objects.test/" + key + "?sig=t",
	}, nil
}

func (o *memObjects) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?exp=%d", key, int64(ttl.Seconds())), nil
}

func (o *memObjects) GetObjectBuffer(ctx context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (o *memObjects) DeleteObject(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

var _ domain.ObjectStore = (*memObjects)(nil)
