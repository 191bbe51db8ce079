package postgres

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

func setupDeliveryTest(t *testing.T) (*PgDeliveryRepository, pgxmock.PgxPoolIface) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewPgDeliveryRepository(mockPool, logger)
	return repo, mockPool
}

func deliveryRowColumns() []string {
	return []string{
		"id", "backend", "source_container", "source_path", "dest_container", "dest_path",
		"from_principal", "to_principal", "state", "transfer_state", "decline_reason", "performed_by",
		"user_message", "delivery_email_text", "sender_email_text", "recipient_email_text",
		"template_set_id", "share_users", "transfer_token", "transfer_uuid", "manifest_id",
		"version", "created_at", "updated_at",
	}
}

func sampleDeliveryRow(mockPool pgxmock.PgxPoolIface, d *domain.Delivery) *pgxmock.Rows {
	destContainer, destPath := destinationColumns(d.Destination)
	return mockPool.NewRows(deliveryRowColumns()).AddRow(
		d.ID, d.Backend, d.Source.Container, d.Source.Path, destContainer, destPath,
		d.FromPrincipal, d.ToPrincipal, d.State, d.TransferState, d.DeclineReason, d.PerformedBy,
		d.UserMessage, d.DeliveryEmailText, d.SenderEmailText, d.RecipientEmailText,
		d.TemplateSetID, []byte("[]"), d.TransferToken, d.TransferUUID, d.ManifestID,
		d.Version, d.CreatedAt, d.UpdatedAt,
	)
}

func TestPgDeliveryRepository_GetByID(t *testing.T) {
	repo, mockPool := setupDeliveryTest(t)
	defer mockPool.Close()

	d := domain.NewDelivery(domain.BackendS3, domain.StorageRef{Container: "bucket-a"}, "u1", "u2")
	d.TransferToken = uuid.NewString()

	t.Run("Found", func(t *testing.T) {
		mockPool.ExpectQuery(`SELECT (.+) FROM deliveries WHERE id = \$1`).
			WithArgs(d.ID).
			WillReturnRows(sampleDeliveryRow(mockPool, d))

		got, err := repo.GetByID(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)
		assert.Equal(t, domain.BackendS3, got.Backend)
		assert.Equal(t, "bucket-a", got.Source.Container)
		assert.Nil(t, got.Destination)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		other := uuid.New()
		mockPool.ExpectQuery(`SELECT (.+) FROM deliveries WHERE id = \$1`).
			WithArgs(other).
			WillReturnRows(mockPool.NewRows(deliveryRowColumns()))

		_, err := repo.GetByID(context.Background(), other)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgDeliveryRepository_Update_VersionConflict(t *testing.T) {
	repo, mockPool := setupDeliveryTest(t)
	defer mockPool.Close()

	d := domain.NewDelivery(domain.BackendDDS, domain.StorageRef{Container: "p1"}, "u1", "u2")
	d.Version = 3
	d.State = domain.DeliveryNotified

	mockPool.ExpectExec(`UPDATE deliveries`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), d.State, d.TransferState,
			d.DeclineReason, d.PerformedBy, d.UserMessage,
			d.DeliveryEmailText, d.SenderEmailText, d.RecipientEmailText,
			d.TemplateSetID, pgxmock.AnyArg(), d.TransferToken,
			d.TransferUUID, d.ManifestID, pgxmock.AnyArg(),
			d.ID, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), d)
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)
	assert.Equal(t, 3, d.Version, "version must not advance on conflict")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgDeliveryRepository_Update_IncrementsVersion(t *testing.T) {
	repo, mockPool := setupDeliveryTest(t)
	defer mockPool.Close()

	d := domain.NewDelivery(domain.BackendDDS, domain.StorageRef{Container: "p1"}, "u1", "u2")
	d.Version = 1

	mockPool.ExpectExec(`UPDATE deliveries`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), d.State, d.TransferState,
			d.DeclineReason, d.PerformedBy, d.UserMessage,
			d.DeliveryEmailText, d.SenderEmailText, d.RecipientEmailText,
			d.TemplateSetID, pgxmock.AnyArg(), d.TransferToken,
			d.TransferUUID, d.ManifestID, pgxmock.AnyArg(),
			d.ID, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Update(context.Background(), d))
	assert.Equal(t, 2, d.Version)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgDeliveryRepository_GetByTransferToken_Ambiguous(t *testing.T) {
	repo, mockPool := setupDeliveryTest(t)
	defer mockPool.Close()

	token := uuid.NewString()
	d1 := domain.NewDelivery(domain.BackendS3, domain.StorageRef{Container: "bucket-a"}, "u1", "u2")
	d1.TransferToken = token
	d2 := domain.NewDelivery(domain.BackendS3, domain.StorageRef{Container: "bucket-b"}, "u3", "u4")
	d2.TransferToken = token

	rows := sampleDeliveryRow(mockPool, d1)
	destContainer, destPath := destinationColumns(d2.Destination)
	rows.AddRow(
		d2.ID, d2.Backend, d2.Source.Container, d2.Source.Path, destContainer, destPath,
		d2.FromPrincipal, d2.ToPrincipal, d2.State, d2.TransferState, d2.DeclineReason, d2.PerformedBy,
		d2.UserMessage, d2.DeliveryEmailText, d2.SenderEmailText, d2.RecipientEmailText,
		d2.TemplateSetID, []byte("[]"), d2.TransferToken, d2.TransferUUID, d2.ManifestID,
		d2.Version, d2.CreatedAt, d2.UpdatedAt,
	)

	mockPool.ExpectQuery(`SELECT (.+) FROM deliveries WHERE backend = \$1 AND transfer_token = \$2`).
		WithArgs(domain.BackendS3, token).
		WillReturnRows(rows)

	_, err := repo.GetByTransferToken(context.Background(), domain.BackendS3, token)
	assert.ErrorIs(t, err, domain.ErrDuplicateEntry)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgTransferJobRepository_AcquireDue_NoJobs(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewPgTransferJobRepository(mockPool, logger)

	mockPool.ExpectQuery(`WITH due_job_ids AS`).
		WithArgs(domain.JobPending, domain.JobRetry, pgxmock.AnyArg(), 10, domain.JobProcessing, pgxmock.AnyArg()).
		WillReturnRows(mockPool.NewRows([]string{
			"id", "delivery_id", "job_type", "status", "scheduled_at", "run_at",
			"processed_at", "error_message", "retry_count", "created_at", "updated_at",
		}))

	_, err = repo.AcquireDue(context.Background(), time.Now().UTC(), 10)
	assert.ErrorIs(t, err, domain.ErrNoDueJobs)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgTransferJobRepository_AcquireDue_ReturnsJobs(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewPgTransferJobRepository(mockPool, logger)

	job := domain.NewTransferJob(uuid.New(), domain.JobTransfer)
	rows := mockPool.NewRows([]string{
		"id", "delivery_id", "job_type", "status", "scheduled_at", "run_at",
		"processed_at", "error_message", "retry_count", "created_at", "updated_at",
	}).AddRow(
		job.ID, job.DeliveryID, job.JobType, domain.JobProcessing, job.ScheduledAt,
		sql.NullTime{Time: time.Now().UTC(), Valid: true}, sql.NullTime{}, sql.NullString{},
		job.RetryCount, job.CreatedAt, job.UpdatedAt,
	)

	mockPool.ExpectQuery(`WITH due_job_ids AS`).
		WithArgs(domain.JobPending, domain.JobRetry, pgxmock.AnyArg(), 5, domain.JobProcessing, pgxmock.AnyArg()).
		WillReturnRows(rows)

	jobs, err := repo.AcquireDue(context.Background(), time.Now().UTC(), 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, domain.JobProcessing, jobs[0].Status)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
