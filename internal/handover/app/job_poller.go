package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// PollerConfig holds configuration specific to the JobPoller.
type PollerConfig struct {
	PollingInterval time.Duration
	JobBatchSize    int
	MaxRetry        int
}

// JobPoller leases due transfer jobs from the queue and hands them to the
// orchestrator. Transient failures are rescheduled with exponential back-off
// and jitter; after MaxRetry attempts, or on any non-transient failure, the
// job is marked failed and the delivery moves to FAILED.
type JobPoller struct {
	jobs         domain.TransferJobRepository
	orchestrator *Orchestrator
	logger       *slog.Logger
	config       PollerConfig
}

func NewJobPoller(jobs domain.TransferJobRepository, orchestrator *Orchestrator, logger *slog.Logger, cfg PollerConfig) *JobPoller {
	return &JobPoller{
		jobs:         jobs,
		orchestrator: orchestrator,
		logger:       logger,
		config:       cfg,
	}
}

// Run polls until ctx is canceled.
func (p *JobPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.PollingInterval)
	defer ticker.Stop()
	p.logger.InfoContext(ctx, "Job poller started",
		"interval", p.config.PollingInterval, "batch_size", p.config.JobBatchSize)
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Job poller stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PollAndProcessJobs(ctx); err != nil {
				p.logger.ErrorContext(ctx, "Poll cycle failed", "error", err)
			}
		}
	}
}

// PollAndProcessJobs acquires due jobs and runs them. It returns the number
// of jobs attempted in this cycle and any error acquiring the batch.
func (p *JobPoller) PollAndProcessJobs(ctx context.Context) (processedInLoop int, err error) {
	acquiredJobs, err := p.jobs.AcquireDue(ctx, time.Now().UTC(), p.config.JobBatchSize)
	if err != nil {
		if errors.Is(err, domain.ErrNoDueJobs) {
			return 0, nil
		}
		p.logger.ErrorContext(ctx, "Failed to acquire due jobs", "error", err)
		return 0, fmt.Errorf("acquire due jobs: %w", err)
	}
	p.logger.InfoContext(ctx, "Acquired jobs for processing", "count", len(acquiredJobs))

	for _, job := range acquiredJobs {
		processedInLoop++
		p.processJob(ctx, job)
	}
	return processedInLoop, nil
}

func (p *JobPoller) processJob(ctx context.Context, job *domain.TransferJob) {
	timer := prometheus.NewTimer(transferJobDurationHist.WithLabelValues(string(job.JobType)))
	defer timer.ObserveDuration()
	jobStatus := "success"

	p.logger.InfoContext(ctx, "Processing job",
		"job_id", job.ID, "job_type", job.JobType, "delivery_id", job.DeliveryID, "retry_count", job.RetryCount)

	runErr := p.orchestrator.Run(ctx, job)
	switch {
	case runErr == nil:
		if err := p.jobs.MarkCompleted(ctx, job.ID); err != nil {
			jobStatus = "error_update_status_completed"
			p.logger.ErrorContext(ctx, "Failed to mark job completed", "job_id", job.ID, "update_error", err)
		}

	case domain.IsTransient(runErr) && job.RetryCount < p.config.MaxRetry:
		jobStatus = "error_retry"
		nextRetryTime := time.Now().UTC().Add(calculateBackoff(job.RetryCount + 1))
		p.logger.WarnContext(ctx, "Transient failure, scheduling retry",
			"job_id", job.ID, "delivery_id", job.DeliveryID, "error", runErr,
			"next_retry_at", nextRetryTime, "retry_count", job.RetryCount+1)
		if err := p.jobs.MarkForRetry(ctx, job.ID, nextRetryTime, job.RetryCount+1,
			sql.NullString{String: runErr.Error(), Valid: true}); err != nil {
			jobStatus = "error_mark_for_retry"
			p.logger.ErrorContext(ctx, "Failed to mark job for retry", "job_id", job.ID, "update_error", err)
		}

	default:
		jobStatus = "error_terminal"
		if domain.IsTransient(runErr) {
			jobStatus = "error_max_retries"
			p.logger.WarnContext(ctx, "Job failed after max retries",
				"job_id", job.ID, "delivery_id", job.DeliveryID, "error", runErr, "max_retry", p.config.MaxRetry)
		} else {
			p.logger.ErrorContext(ctx, "Job failed terminally",
				"job_id", job.ID, "delivery_id", job.DeliveryID, "error", runErr)
		}
		if err := p.jobs.MarkFailed(ctx, job.ID, sql.NullString{String: runErr.Error(), Valid: true}); err != nil {
			p.logger.ErrorContext(ctx, "Failed to mark job failed", "job_id", job.ID, "update_error", err)
		}
		if err := p.orchestrator.FailDelivery(ctx, job.DeliveryID, runErr); err != nil {
			p.logger.ErrorContext(ctx, "Failed to fail delivery", "delivery_id", job.DeliveryID, "error", err)
		}
	}

	transferJobsProcessedCounter.WithLabelValues(string(job.JobType), jobStatus).Inc()
}

// calculateBackoff returns an exponential delay with jitter, capped at
// fifteen minutes: ~30s, 1m, 2m, 4m, ...
func calculateBackoff(retryNum int) time.Duration {
	backoff := time.Duration(1<<(retryNum-1)) * 30 * time.Second
	if backoff > 15*time.Minute {
		backoff = 15 * time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
	return backoff + jitter
}
