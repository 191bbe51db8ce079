package domain

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DeliveryFilter narrows ListDeliveries. Zero values match everything.
type DeliveryFilter struct {
	Principal string // matches sender or recipient
	Backend   BackendKind
	State     DeliveryState
	PageSize  int
	Page      int
}

// DeliveryRepository manages Delivery rows. Update performs a
// compare-and-swap on the row version and returns ErrConcurrentUpdate when
// the row changed under the caller.
type DeliveryRepository interface {
	Create(ctx context.Context, d *Delivery) error
	GetByID(ctx context.Context, id uuid.UUID) (*Delivery, error)
	// GetByTransferToken looks a delivery up by its acceptance token within
	// one backend kind. Returns ErrDuplicateEntry when more than one row
	// matches.
	GetByTransferToken(ctx context.Context, backend BackendKind, token string) (*Delivery, error)
	// ActiveExistsForSource reports whether a non-complete delivery already
	// covers (backend, source).
	ActiveExistsForSource(ctx context.Context, backend BackendKind, source StorageRef) (bool, error)
	Update(ctx context.Context, d *Delivery) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter DeliveryFilter) ([]*Delivery, int, error)
	// CountByState aggregates a principal's deliveries per lifecycle state.
	CountByState(ctx context.Context, principal string) (map[DeliveryState]int, error)
}

// TemplateRepository manages template sets and user default bindings.
type TemplateRepository interface {
	GetSet(ctx context.Context, id uuid.UUID) (*TemplateSet, error)
	// GetDefaultSet resolves the user's default template set for a backend.
	// Returns ErrNotFound when the user has no binding.
	GetDefaultSet(ctx context.Context, principal string, backend BackendKind) (*TemplateSet, error)
	CreateSet(ctx context.Context, set *TemplateSet) error
	BindDefault(ctx context.Context, binding *UserTemplateBinding) error
}

// ManifestRepository stores signed manifests. Manifests are immutable;
// Replace is used only by the azure completion callback, which supersedes
// the pre-transfer snapshot with the pipeline's authoritative listing.
type ManifestRepository interface {
	Create(ctx context.Context, m *Manifest) error
	GetByID(ctx context.Context, id uuid.UUID) (*Manifest, error)
	Replace(ctx context.Context, m *Manifest) error
}

// DeliveryErrorRepository appends to and reads a delivery's failure journal.
type DeliveryErrorRepository interface {
	Append(ctx context.Context, deliveryErr *DeliveryError) error
	ListByDelivery(ctx context.Context, deliveryID uuid.UUID) ([]*DeliveryError, error)
}

// TransferJobRepository manages the durable orchestrator queue.
type TransferJobRepository interface {
	Enqueue(ctx context.Context, job *TransferJob) error
	// AcquireDue selects pending/retry jobs that are due, marks them
	// processing, and returns them. Uses FOR UPDATE SKIP LOCKED so multiple
	// pollers never double-lease. Returns ErrNoDueJobs when none are due.
	AcquireDue(ctx context.Context, dueTime time.Time, limit int) ([]*TransferJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage sql.NullString) error
	// MarkForRetry reschedules a job after a transient failure.
	MarkForRetry(ctx context.Context, id uuid.UUID, nextRetryTime time.Time, retryCount int, errorMessage sql.NullString) error
	// HasActiveJob reports whether a pending/processing/retry job exists for
	// the delivery.
	HasActiveJob(ctx context.Context, deliveryID uuid.UUID) (bool, error)
}
