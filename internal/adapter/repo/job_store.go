package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/sqlinline"
)

// JobStorePG implements domain.JobStore on PostgreSQL. Every write is keyed
// by job id and safe to repeat: upserts merge, progress only ratchets up,
// metadata concatenates. Redelivering a message therefore never produces a
// second row.
type JobStorePG struct {
	sql infra.SQLExecutor
}

// NewJobStore creates a job store backed by the given SQL executor.
func NewJobStore(sql infra.SQLExecutor) *JobStorePG {
	return &JobStorePG{sql: sql}
}

func (s *JobStorePG) Upsert(ctx context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return domain.ErrValidation
	}
	metadata := job.MetadataJSON
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	input := job.InputJSON
	if len(input) == 0 {
		input = []byte("{}")
	}
	_, err := s.sql.Exec(ctx, sqlinline.QUpsertJob,
		job.ID,
		job.OwnerID,
		job.Type,
		job.Status,
		job.Progress,
		input,
		metadata,
		job.Attempts,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStorePG) SetProgress(ctx context.Context, jobID string, status domain.JobStatus, progress int) error {
	return s.setProgress(ctx, jobID, status, progress, 0)
}

func (s *JobStorePG) setProgress(ctx context.Context, jobID string, status domain.JobStatus, progress, attempts int) error {
	_, err := s.sql.Exec(ctx, sqlinline.QSetJobProgress, jobID, status, progress, attempts)
	if err != nil {
		return fmt.Errorf("set progress for job %s: %w", jobID, err)
	}
	return nil
}

func (s *JobStorePG) Complete(ctx context.Context, jobID string, resultKeys []string, metadataJSON []byte) error {
	if len(resultKeys) == 0 {
		return fmt.Errorf("complete job %s: result keys required", jobID)
	}
	if len(metadataJSON) == 0 {
		metadataJSON = []byte("{}")
	}
	_, err := s.sql.Exec(ctx, sqlinline.QCompleteJob, jobID, resultKeys, metadataJSON)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

func (s *JobStorePG) Fail(ctx context.Context, jobID string, reason string) error {
	if reason == "" {
		reason = "unknown failure"
	}
	_, err := s.sql.Exec(ctx, sqlinline.QFailJob, jobID, reason)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return nil
}

func (s *JobStorePG) MergeMetadata(ctx context.Context, jobID string, metadataJSON []byte) error {
	if len(metadataJSON) == 0 {
		return nil
	}
	_, err := s.sql.Exec(ctx, sqlinline.QMergeJobMetadata, jobID, metadataJSON)
	if err != nil {
		return fmt.Errorf("merge metadata for job %s: %w", jobID, err)
	}
	return nil
}

func (s *JobStorePG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QGetJob, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *JobStorePG) Recent(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.sql.Query(ctx, sqlinline.QRecentJobs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *JobStorePG) StaleProcessing(ctx context.Context, olderThan time.Duration) ([]domain.Job, error) {
	interval := fmt.Sprintf("%d seconds", int64(olderThan.Seconds()))
	rows, err := s.sql.Query(ctx, sqlinline.QStaleProcessingJobs, interval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Type,
		&job.Status,
		&job.Progress,
		&job.InputJSON,
		&job.ResultKeys,
		&job.MetadataJSON,
		&job.ErrorMessage,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

var _ domain.JobStore = (*JobStorePG)(nil)
