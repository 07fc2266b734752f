package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType distinguishes how a sync job was triggered.
type JobType string

const (
	JobTypeFull        JobType = "full"
	JobTypeIncremental JobType = "incremental"
	JobTypeWebhook     JobType = "webhook"
)

// JobState is the sync job state machine:
// queued -> running -> {succeeded | failed | retried}.
// A retried job returns to queued with backoff; failed is terminal.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateRetried   JobState = "retried"
)

// SyncJob is one unit of sync work. Rows are never deleted; they are the
// audit trail for every connector invocation.
type SyncJob struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	ConnectionID uuid.UUID       `db:"connection_id" json:"connection_id"`
	TenantID     uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	ProviderName string          `db:"provider_name" json:"provider_name"`
	JobType      JobType         `db:"job_type" json:"job_type"`
	State        JobState        `db:"state" json:"state"`
	CursorIn     json.RawMessage `db:"cursor_in" json:"cursor_in,omitempty"`
	CursorOut    json.RawMessage `db:"cursor_out" json:"cursor_out,omitempty"`
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`
	Error        *string         `db:"error" json:"error,omitempty"`
	StartedAt    *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (SyncJob) TableName() string {
	return "sync_jobs"
}

// Terminal reports whether the job can no longer transition.
func (j *SyncJob) Terminal() bool {
	return j.State == JobStateSucceeded || j.State == JobStateFailed
}
