package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

type PgTransferJobRepository struct {
	db     PgxIface
	logger *slog.Logger
}

func NewPgTransferJobRepository(db PgxIface, logger *slog.Logger) *PgTransferJobRepository {
	return &PgTransferJobRepository{db: db, logger: logger}
}

func (r *PgTransferJobRepository) Enqueue(ctx context.Context, job *domain.TransferJob) error {
	query := `
		INSERT INTO transfer_jobs (id, delivery_id, job_type, status, scheduled_at, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		job.ID, job.DeliveryID, job.JobType, job.Status, job.ScheduledAt,
		job.RetryCount, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error enqueueing transfer job", "error", err, "job_id", job.ID, "delivery_id", job.DeliveryID)
		return err
	}
	r.logger.InfoContext(ctx, "Transfer job enqueued", "job_id", job.ID, "delivery_id", job.DeliveryID, "job_type", job.JobType)
	return nil
}

// AcquireDue leases due pending/retry jobs with FOR UPDATE SKIP LOCKED so
// concurrent pollers never double-lease a job.
func (r *PgTransferJobRepository) AcquireDue(ctx context.Context, dueTime time.Time, limit int) ([]*domain.TransferJob, error) {
	query := `
		WITH due_job_ids AS (
			SELECT id
			FROM transfer_jobs
			WHERE (status = $1 OR status = $2) AND scheduled_at <= $3
			ORDER BY scheduled_at ASC, retry_count ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transfer_jobs tj
		SET status = $5, run_at = $6, updated_at = $6
		FROM due_job_ids dj
		WHERE tj.id = dj.id
		RETURNING tj.id, tj.delivery_id, tj.job_type, tj.status, tj.scheduled_at, tj.run_at, tj.processed_at, tj.error_message, tj.retry_count, tj.created_at, tj.updated_at
	`
	now := time.Now().UTC()
	rows, err := r.db.Query(ctx, query, domain.JobPending, domain.JobRetry, dueTime, limit, domain.JobProcessing, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error acquiring due transfer jobs", "error", err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.TransferJob
	for rows.Next() {
		job := &domain.TransferJob{}
		if err := rows.Scan(
			&job.ID, &job.DeliveryID, &job.JobType, &job.Status, &job.ScheduledAt,
			&job.RunAt, &job.ProcessedAt, &job.Error, &job.RetryCount, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning acquired job row", "error", err)
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, domain.ErrNoDueJobs
	}
	return jobs, nil
}

func (r *PgTransferJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE transfer_jobs
		SET status = $1, processed_at = $2, error_message = NULL, updated_at = $2
		WHERE id = $3
	`
	tag, err := r.db.Exec(ctx, query, domain.JobCompleted, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking job completed", "error", err, "job_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgTransferJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage sql.NullString) error {
	query := `
		UPDATE transfer_jobs
		SET status = $1, processed_at = $2, error_message = $3, updated_at = $2
		WHERE id = $4
	`
	tag, err := r.db.Exec(ctx, query, domain.JobFailed, time.Now().UTC(), errorMessage, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking job failed", "error", err, "job_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgTransferJobRepository) MarkForRetry(ctx context.Context, id uuid.UUID, nextRetryTime time.Time, retryCount int, errorMessage sql.NullString) error {
	query := `
		UPDATE transfer_jobs
		SET status = $1, scheduled_at = $2, retry_count = $3, error_message = $4, updated_at = $5, run_at = NULL, processed_at = NULL
		WHERE id = $6
	`
	tag, err := r.db.Exec(ctx, query, domain.JobRetry, nextRetryTime, retryCount, errorMessage, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking job for retry", "error", err, "job_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Transfer job scheduled for retry", "job_id", id, "next_retry_at", nextRetryTime, "retry_count", retryCount)
	return nil
}

func (r *PgTransferJobRepository) HasActiveJob(ctx context.Context, deliveryID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transfer_jobs
			WHERE delivery_id = $1 AND status IN ($2, $3, $4)
		)
	`
	var exists bool
	err := r.db.QueryRow(ctx, query, deliveryID, domain.JobPending, domain.JobProcessing, domain.JobRetry).Scan(&exists)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error checking active job for delivery", "error", err, "delivery_id", deliveryID)
		return false, err
	}
	return exists, nil
}
