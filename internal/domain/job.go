package domain

import (
	"encoding/json"
	"time"
)

// JobType enumerates supported pipeline job categories. The set is closed:
// dispatch rejects any type not listed here.
type JobType string

const (
	JobTypeTextToImage         JobType = "text_to_image"
	JobTypeImageEdit           JobType = "image_edit"
	JobTypeVirtualTryOn        JobType = "virtual_try_on"
	JobTypeBackgroundRemoval   JobType = "background_removal"
	JobTypeSegmentation        JobType = "segmentation"
	JobTypeDepthMap            JobType = "depth_map"
	JobTypeAttributeExtraction JobType = "attribute_extraction"
	JobTypeTextureBatch        JobType = "texture_batch"
	JobTypeSelfEdit            JobType = "self_edit"
	JobTypeBeautify            JobType = "beautify"
	JobTypeAvatarCreate        JobType = "avatar_create"
	JobTypeVideoGenerate       JobType = "video_generate"
	JobTypeSocialExport        JobType = "social_export"
	JobTypeBatch               JobType = "batch"
)

var jobTypes = map[JobType]struct{}{
	JobTypeTextToImage:         {},
	JobTypeImageEdit:           {},
	JobTypeVirtualTryOn:        {},
	JobTypeBackgroundRemoval:   {},
	JobTypeSegmentation:        {},
	JobTypeDepthMap:            {},
	JobTypeAttributeExtraction: {},
	JobTypeTextureBatch:        {},
	JobTypeSelfEdit:            {},
	JobTypeBeautify:            {},
	JobTypeAvatarCreate:        {},
	JobTypeVideoGenerate:       {},
	JobTypeSocialExport:        {},
	JobTypeBatch:               {},
}

// Valid reports whether t belongs to the closed job type set.
func (t JobType) Valid() bool {
	_, ok := jobTypes[t]
	return ok
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the durable descriptor of one unit of asynchronous work.
//
// Invariant: in a terminal state exactly one of ResultKeys non-empty or
// ErrorMessage non-empty holds, never both, never neither. Progress is
// monotonically non-decreasing and reaches 100 only on completion.
type Job struct {
	ID           string
	OwnerID      string
	Type         JobType
	Status       JobStatus
	Progress     int
	InputJSON    json.RawMessage
	ResultKeys   []string
	MetadataJSON json.RawMessage
	ErrorMessage string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobMessage is the queue-side descriptor delivered to workers. It carries
// only what a worker needs to drive the job; the durable record lives in the
// job store.
type JobMessage struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	OwnerID    string          `json:"owner_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// QueueState is the broker-side view of a message, exposed to polling
// clients alongside the stored job snapshot.
type QueueState string

const (
	QueueStateWaiting   QueueState = "waiting"
	QueueStateActive    QueueState = "active"
	QueueStateCompleted QueueState = "completed"
	QueueStateFailed    QueueState = "failed"
	QueueStateDelayed   QueueState = "delayed"
	QueueStatePaused    QueueState = "paused"
)

// QueueCounts is the per-state breakdown reported by the broker.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// Depth is the number of messages not yet in a terminal queue state.
func (c QueueCounts) Depth() int64 {
	return c.Waiting + c.Active + c.Delayed
}
