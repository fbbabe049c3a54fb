package sqlinline

const QUpsertJob = `--sql 7c1d2a9e-3f41-4b8a-9c6d-2e5f8a0b1c3d
insert into jobs (id, owner_id, type, status, progress, input_json, result_keys, metadata, error_message, attempts)
values ($1, $2, $3, $4, $5, $6, '{}', coalesce($7, '{}')::jsonb, '', $8)
on conflict (id) do update
set status     = excluded.status,
    progress   = greatest(jobs.progress, excluded.progress),
    metadata   = jobs.metadata || excluded.metadata,
    attempts   = greatest(jobs.attempts, excluded.attempts),
    updated_at = now();
`

const QSetJobProgress = `--sql 9b4e6f21-8a3c-4d17-b5e9-0f2c7d8a4e61
update jobs
set status     = $2,
    progress   = greatest(progress, $3),
    attempts   = greatest(attempts, $4),
    updated_at = now()
where id = $1;
`

const QCompleteJob = `--sql 1f8a3c5d-7e29-4b60-a4d2-6c9e0b3f5a17
update jobs
set status        = 'completed',
    progress      = 100,
    result_keys   = $2,
    metadata      = metadata || coalesce($3, '{}')::jsonb,
    error_message = '',
    updated_at    = now()
where id = $1;
`

const QFailJob = `--sql 5d2b7e90-1c4f-4a83-b6d5-8e0a3f7c2b49
update jobs
set status        = 'failed',
    result_keys   = '{}',
    error_message = $2,
    updated_at    = now()
where id = $1;
`

const QMergeJobMetadata = `--sql 3a6c9e42-5b8d-4f01-927e-4d1b6a8c0e35
update jobs
set metadata   = metadata || $2::jsonb,
    updated_at = now()
where id = $1;
`

const QGetJob = `--sql 8e1f4a72-9d35-4c68-b0a1-7f3e5d2c9b84
select id, owner_id, type, status, progress, input_json, result_keys, metadata, error_message, attempts, created_at, updated_at
from jobs
where id = $1;
`

const QRecentJobs = `--sql 2c5e8b14-6a97-4d30-8f2b-1e4d7a9c3f60
select id, owner_id, type, status, progress, input_json, result_keys, metadata, error_message, attempts, created_at, updated_at
from jobs
order by created_at desc
limit $1;
`

const QStaleProcessingJobs = `--sql 6b9d2f58-0e43-4a71-9c8e-3f5a1d7b4e02
select id, owner_id, type, status, progress, input_json, result_keys, metadata, error_message, attempts, created_at, updated_at
from jobs
where status = 'processing'
  and updated_at < now() - $1::interval
order by updated_at asc;
`
