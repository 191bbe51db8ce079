package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a transfer job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetry      JobStatus = "retry"
)

// JobType selects which orchestrator routine a job runs.
type JobType string

const (
	// JobSendSetup runs the pre-notification pipeline for s3 deliveries:
	// manifest snapshot, agent grant, delivery email.
	JobSendSetup JobType = "send_setup"
	// JobTransfer runs the post-accept transfer sequence.
	JobTransfer JobType = "transfer"
)

// TransferJob is one durable unit of orchestrator work, leased from the
// transfer_jobs table by the poller. At most one job per delivery runs at a
// time.
type TransferJob struct {
	ID          uuid.UUID
	DeliveryID  uuid.UUID
	JobType     JobType
	Status      JobStatus
	ScheduledAt time.Time
	RunAt       sql.NullTime
	ProcessedAt sql.NullTime
	Error       sql.NullString
	RetryCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewTransferJob creates a pending job due immediately.
func NewTransferJob(deliveryID uuid.UUID, jobType JobType) *TransferJob {
	now := time.Now().UTC()
	return &TransferJob{
		ID:          uuid.New(),
		DeliveryID:  deliveryID,
		JobType:     jobType,
		Status:      JobPending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
