// Package job owns the durable model of Crunch: transcode jobs and the
// batches that staged them. All other components request changes through the
// store; none of them mutate job state directly.
package job

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether a job in this status has finished its lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanRetry reports whether a job in this status is eligible for a
// user-initiated retry.
func (s Status) CanRetry() bool {
	return s == StatusFailed || s == StatusCancelled
}

type jobBase struct {
	ID             int64      `db:"id"`
	Name           string     `db:"name"`
	InputPath      string     `db:"input_path"`
	OutputPath     string     `db:"output_path"`
	Status         Status     `db:"status"`
	Progress       int        `db:"progress"`
	ErrorMessage   *string    `db:"error_message"`
	Retried        bool       `db:"retried"`
	Cleared        bool       `db:"cleared"`
	BatchID        string     `db:"batch_id"`
	AssignedWorker *string    `db:"assigned_worker"`
	Fingerprint    string     `db:"fingerprint"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

// Job is one encoder invocation. The argument vector is frozen at creation
// and never changes for the lifetime of the job.
type Job struct {
	jobBase
	Args []string
}

func (j *Job) IsTerminal() bool { return j.Status.IsTerminal() }

type BatchStatus string

const (
	BatchCreating  BatchStatus = "creating"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// Batch is the staging record for a single user submission which expands in
// to one job per selected input.
type Batch struct {
	ID           string      `db:"id"`
	TotalFiles   int         `db:"total_files"`
	CreatedCount int         `db:"created_count"`
	Status       BatchStatus `db:"status"`
	ErrorMessage *string     `db:"error_message"`
	CreatedAt    time.Time   `db:"created_at"`
}
