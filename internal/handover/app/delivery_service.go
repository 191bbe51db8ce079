package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/domain"
	"github.com/dukedataservice/handover/internal/handover/manifest"
	"github.com/dukedataservice/handover/internal/handover/notifier"
	"github.com/dukedataservice/handover/internal/handover/storage"
	"github.com/dukedataservice/handover/internal/handover/templates"
	"github.com/dukedataservice/handover/internal/platform/messagebroker"
)

// CreateDeliveryInput carries the caller-supplied fields of a new delivery.
type CreateDeliveryInput struct {
	Backend       string
	Source        domain.StorageRef
	Destination   *domain.StorageRef
	Sender        string
	Recipient     string
	ShareUsers    []domain.ShareUser
	UserMessage   string
	TemplateSetID uuid.NullUUID
}

// UpdateDeliveryInput carries the fields a sender may change before sending.
type UpdateDeliveryInput struct {
	UserMessage   *string
	ShareUsers    []domain.ShareUser
	TemplateSetID uuid.NullUUID
	Destination   *domain.StorageRef
}

// DeliveryService owns the delivery lifecycle: create, send, cancel, accept,
// decline, restart, and the read-side operations behind the API facade.
// Long transfers for s3 and azure are handed to the orchestrator through the
// durable job queue; dds transfers complete atomically inside the backend.
type DeliveryService struct {
	deliveries domain.DeliveryRepository
	jobs       domain.TransferJobRepository
	errs       domain.DeliveryErrorRepository
	adapters   storage.Registry
	resolver   *templates.Resolver
	notifier   *notifier.Notifier
	manifests  *manifest.Store
	natsClient *messagebroker.NATSClient
	links      Links
	logger     *slog.Logger
}

func NewDeliveryService(
	deliveries domain.DeliveryRepository,
	jobs domain.TransferJobRepository,
	errs domain.DeliveryErrorRepository,
	adapters storage.Registry,
	resolver *templates.Resolver,
	n *notifier.Notifier,
	manifests *manifest.Store,
	natsClient *messagebroker.NATSClient,
	links Links,
	logger *slog.Logger,
) *DeliveryService {
	return &DeliveryService{
		deliveries: deliveries,
		jobs:       jobs,
		errs:       errs,
		adapters:   adapters,
		resolver:   resolver,
		notifier:   n,
		manifests:  manifests,
		natsClient: natsClient,
		links:      links,
		logger:     logger,
	}
}

// Create validates ownership and uniqueness, resolves the template set, and
// persists a new delivery in state NEW. For dds it also creates the
// backend-side project transfer whose id becomes the acceptance token.
func (s *DeliveryService) Create(ctx context.Context, input CreateDeliveryInput) (*domain.Delivery, error) {
	if !domain.ValidBackend(input.Backend) {
		return nil, fmt.Errorf("unknown backend %q: %w", input.Backend, domain.ErrValidation)
	}
	backend := domain.BackendKind(input.Backend)
	if input.Source.Container == "" {
		return nil, fmt.Errorf("source is required: %w", domain.ErrValidation)
	}
	if input.Sender == "" || input.Recipient == "" {
		return nil, fmt.Errorf("sender and recipient are required: %w", domain.ErrValidation)
	}
	if input.Sender == input.Recipient {
		return nil, fmt.Errorf("sender and recipient must differ: %w", domain.ErrValidation)
	}
	if backend == domain.BackendAzure && input.Destination == nil {
		return nil, fmt.Errorf("azure deliveries require a destination: %w", domain.ErrValidation)
	}

	adapter, err := s.adapters.ForBackend(backend)
	if err != nil {
		return nil, err
	}

	owns, err := adapter.VerifySourceOwnership(ctx, input.Source, input.Sender)
	if err != nil {
		return nil, fmt.Errorf("verify source ownership: %w", err)
	}
	if !owns {
		return nil, fmt.Errorf("%s does not own %s: %w", input.Sender, input.Source.Container, domain.ErrForbidden)
	}

	active, err := s.deliveries.ActiveExistsForSource(ctx, backend, input.Source)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, domain.ErrActiveDeliveryExists
	}

	d := domain.NewDelivery(backend, input.Source, input.Sender, input.Recipient)
	d.Destination = input.Destination
	d.ShareUsers = input.ShareUsers
	d.TemplateSetID = input.TemplateSetID
	if input.UserMessage != "" {
		d.UserMessage = sql.NullString{String: input.UserMessage, Valid: true}
	}

	// Pin the template set now so a later binding change cannot swap
	// templates on an in-flight delivery.
	set, err := s.resolver.ResolveForDelivery(ctx, d)
	if err != nil {
		return nil, err
	}
	d.TemplateSetID = uuid.NullUUID{UUID: set.ID, Valid: true}

	token, err := adapter.CreateBackendTransfer(ctx, d.Source, d.ToPrincipal, d.ID.String())
	if err != nil {
		return nil, fmt.Errorf("create backend transfer: %w", err)
	}
	d.TransferToken = token

	if err := s.deliveries.Create(ctx, d); err != nil {
		return nil, err
	}
	deliveriesCreatedCounter.WithLabelValues(string(backend)).Inc()
	s.logger.InfoContext(ctx, "Delivery created",
		"delivery_id", d.ID, "backend", d.Backend, "source", d.Source.Container,
		"from", d.FromPrincipal, "to", d.ToPrincipal)
	publishDeliveryEvent(ctx, s.natsClient, s.logger, d)
	return d, nil
}

// Send notifies the recipient. For dds and azure the delivery email goes out
// synchronously and the delivery moves to NOTIFIED; for s3 the send setup
// (manifest snapshot, agent grant, email) runs as a background job. A second
// send requires force and re-sends the notification.
func (s *DeliveryService) Send(ctx context.Context, id uuid.UUID, force bool) (*domain.Delivery, error) {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case d.State == domain.DeliveryNew:
	case d.State == domain.DeliveryNotified && force:
	case d.State == domain.DeliveryNotified:
		return nil, fmt.Errorf("delivery already sent: %w", domain.ErrAlreadyInProgress)
	default:
		return nil, fmt.Errorf("cannot send in state %s: %w", d.State, domain.ErrInvalidStateTransition)
	}

	if d.Backend == domain.BackendS3 {
		busy, err := s.jobs.HasActiveJob(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, fmt.Errorf("send already running: %w", domain.ErrAlreadyInProgress)
		}
		// A forced re-send invalidates the stored email so the setup job
		// renders and delivers a fresh one instead of skipping it.
		if force && d.DeliveryEmailText.Valid {
			d.DeliveryEmailText = sql.NullString{}
			if err := s.deliveries.Update(ctx, d); err != nil {
				return nil, err
			}
		}
		if err := s.jobs.Enqueue(ctx, domain.NewTransferJob(d.ID, domain.JobSendSetup)); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "Send setup job enqueued", "delivery_id", d.ID)
		return d, nil
	}

	body, err := s.notifier.Notify(ctx, d, domain.TemplateDelivery, notifier.ToRecipient, notifier.Extras{
		ProjectName: s.links.ProjectName(d),
		ProjectURL:  s.links.ProjectURL(d),
		AcceptURL:   s.links.AcceptURL(d),
	})
	if err != nil {
		return nil, err
	}
	d.DeliveryEmailText = sql.NullString{String: body, Valid: true}
	if err := d.Transition(domain.DeliveryNotified); err != nil {
		return nil, err
	}
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Delivery sent", "delivery_id", d.ID, "backend", d.Backend, "force", force)
	publishDeliveryEvent(ctx, s.natsClient, s.logger, d)
	return d, nil
}

// Cancel withdraws a delivery before acceptance. The recipient is notified
// best-effort; the state change is the authoritative part.
func (s *DeliveryService) Cancel(ctx context.Context, id uuid.UUID, performedBy string) (*domain.Delivery, error) {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.CanCancel() {
		return nil, fmt.Errorf("cannot cancel in state %s: %w", d.State, domain.ErrInvalidStateTransition)
	}

	if d.Backend == domain.BackendDDS {
		adapter, err := s.adapters.ForBackend(d.Backend)
		if err != nil {
			return nil, err
		}
		if err := adapter.Cancel(ctx, d.TransferToken); err != nil {
			var be *domain.BackendError
			if !errors.As(err, &be) || be.Kind != domain.BackendNotFound {
				return nil, fmt.Errorf("cancel backend transfer: %w", err)
			}
		}
	}

	if d.State == domain.DeliveryNotified {
		if _, err := s.notifier.Notify(ctx, d, domain.TemplateCanceled, notifier.ToRecipient, notifier.Extras{
			ProjectName: s.links.ProjectName(d),
			ProjectURL:  s.links.ProjectURL(d),
		}); err != nil {
			s.logger.ErrorContext(ctx, "Cancellation notice failed", "error", err, "delivery_id", d.ID)
		}
	}

	d.PerformedBy = sql.NullString{String: performedBy, Valid: true}
	if err := d.Transition(domain.DeliveryCanceled); err != nil {
		return nil, err
	}
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Delivery canceled", "delivery_id", d.ID, "performed_by", performedBy)
	publishDeliveryEvent(ctx, s.natsClient, s.logger, d)
	return d, nil
}

// Accept moves a NOTIFIED delivery toward completion. dds completes
// atomically inside the backend; s3 and azure move to TRANSFERRING and hand
// the transfer to the orchestrator. Repeated accepts are no-ops returning
// the current state.
func (s *DeliveryService) Accept(ctx context.Context, id uuid.UUID, actingPrincipal string) (*domain.Delivery, error) {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State == domain.DeliveryAccepted || d.State == domain.DeliveryTransferring {
		return d, nil
	}
	if !d.CanRespond() {
		return nil, fmt.Errorf("cannot accept in state %s: %w", d.State, domain.ErrInvalidStateTransition)
	}
	d.PerformedBy = sql.NullString{String: actingPrincipal, Valid: true}

	if d.Backend == domain.BackendDDS {
		return s.acceptDDS(ctx, d)
	}

	if err := d.Transition(domain.DeliveryTransferring); err != nil {
		return nil, err
	}
	// The CAS on Update serializes against a concurrent cancel; the loser
	// sees ErrConcurrentUpdate and the winner's state stands.
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	busy, err := s.jobs.HasActiveJob(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if !busy {
		if err := s.jobs.Enqueue(ctx, domain.NewTransferJob(d.ID, domain.JobTransfer)); err != nil {
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "Delivery accepted, transfer enqueued",
		"delivery_id", d.ID, "backend", d.Backend, "performed_by", actingPrincipal)
	publishDeliveryEvent(ctx, s.natsClient, s.logger, d)
	return d, nil
}

// acceptDDS runs the backend's atomic accept and finishes the delivery in
// one step: the backend moves custody itself, so there is nothing for the
// orchestrator to do.
func (s *DeliveryService) acceptDDS(ctx context.Context, d *domain.Delivery) (*domain.Delivery, error) {
	adapter, err := s.adapters.ForBackend(d.Backend)
	if err != nil {
		return nil, err
	}
	if err := adapter.Accept(ctx, d.TransferToken); err != nil {
		return nil, fmt.Errorf("accept backend transfer: %w", err)
	}

	body, err := s.notifier.Notify(ctx, d, domain.TemplateAccepted, notifier.ToSender, notifier.Extras{
		ProjectName: s.links.ProjectName(d),
		ProjectURL:  s.links.ProjectURL(d),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Acceptance notice failed", "error", err, "delivery_id", d.ID)
	} else {
		d.SenderEmailText = sql.NullString{String: body, Valid: true}
	}

	if err := d.AdvanceTransferState(domain.TransferComplete); err != nil {
		return nil, err
	}
	if err := d.Transition(domain.DeliveryAccepted); err != nil {
		return nil, err
	}
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Delivery accepted", "delivery_id", d.ID, "backend", d.Backend)
	publishDeliveryEvent(ctx, s.natsClient, s.logger, d)
	return d, nil
}

// Decline rejects a NOTIFIED delivery. The reason is required and is
// relayed to the sender in the decline email.
func (s *DeliveryService) Decline(ctx context.Context, id uuid.UUID, actingPrincipal, reason string) (*domain.Delivery, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("decline reason is required: %w", domain.ErrValidation)
	}
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.CanRespond() {
		return nil, fmt.Errorf("cannot decline in state %s: %w", d.State, domain.ErrInvalidStateTransition)
	}

	if d.Backend == domain.BackendDDS {
		adapter, err := s.adapters.ForBackend(d.Backend)
		if err != nil {
			return nil, err
		}
		if err := adapter.Decline(ctx, d.TransferToken, reason); err != nil {
			return nil, fmt.Errorf("decline backend transfer: %w", err)
		}
	}

	d.DeclineReason = sql.NullString{String: reason, Valid: true}
	d.PerformedBy = sql.NullString{String: actingPrincipal, Valid: true}

	if _, err := s.notifier.Notify(ctx, d, domain.TemplateDeclined, notifier.ToSender, notifier.Extras{
		ProjectName: s.links.ProjectName(d),
		ProjectURL:  s.links.ProjectURL(d),
	}); err != nil {
		s.logger.ErrorContext(ctx, "Decline notice failed", "error", err, "delivery_id", d.ID)
	}

	if err := d.Transition(domain.DeliveryDeclined); err != nil {
		return nil, err
	}
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Delivery declined",
		"delivery_id", d.ID, "performed_by", actingPrincipal, "reason", reason)
	publishDeliveryEvent(ctx, s.natsClient, s.logger, d)
	return d, nil
}

// Restart re-enqueues the transfer of a FAILED (or stuck TRANSFERRING)
// delivery. The orchestrator resumes from the first incomplete transfer
// state, so steps already recorded, including sent emails, are not repeated.
func (s *DeliveryService) Restart(ctx context.Context, id uuid.UUID, performedBy string) (*domain.Delivery, error) {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.CanRestart() {
		return nil, fmt.Errorf("cannot restart in state %s: %w", d.State, domain.ErrInvalidStateTransition)
	}
	busy, err := s.jobs.HasActiveJob(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, fmt.Errorf("transfer already running: %w", domain.ErrAlreadyInProgress)
	}

	if d.State == domain.DeliveryFailed {
		if err := d.Transition(domain.DeliveryTransferring); err != nil {
			return nil, err
		}
		if err := s.deliveries.Update(ctx, d); err != nil {
			return nil, err
		}
		publishDeliveryEvent(ctx, s.natsClient, s.logger, d)
	}
	if err := s.jobs.Enqueue(ctx, domain.NewTransferJob(d.ID, domain.JobTransfer)); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Delivery restarted",
		"delivery_id", d.ID, "performed_by", performedBy, "transfer_state", d.TransferState)
	return d, nil
}

// Get returns the delivery when principal is a party to it.
func (s *DeliveryService) Get(ctx context.Context, id uuid.UUID, principal string) (*domain.Delivery, error) {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.FromPrincipal != principal && d.ToPrincipal != principal {
		return nil, domain.ErrForbidden
	}
	return d, nil
}

// GetByToken resolves the acceptance token carried by a prompt URL.
func (s *DeliveryService) GetByToken(ctx context.Context, backend domain.BackendKind, token string) (*domain.Delivery, error) {
	return s.deliveries.GetByTransferToken(ctx, backend, token)
}

// List returns the caller's deliveries, newest first, with a total count.
func (s *DeliveryService) List(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.Delivery, int, error) {
	if filter.Principal == "" {
		return nil, 0, fmt.Errorf("principal is required: %w", domain.ErrValidation)
	}
	return s.deliveries.List(ctx, filter)
}

// Summary aggregates the caller's deliveries per lifecycle state.
func (s *DeliveryService) Summary(ctx context.Context, principal string) (map[domain.DeliveryState]int, error) {
	return s.deliveries.CountByState(ctx, principal)
}

// Manifest returns the delivery's verified manifest entries and the
// signature verification status.
func (s *DeliveryService) Manifest(ctx context.Context, id uuid.UUID, principal string) ([]domain.ManifestEntry, string, error) {
	d, err := s.Get(ctx, id, principal)
	if err != nil {
		return nil, "", err
	}
	if !d.ManifestID.Valid {
		return nil, "", fmt.Errorf("delivery has no manifest: %w", domain.ErrNotFound)
	}
	return s.manifests.Read(ctx, d.ManifestID.UUID)
}

// Errors returns the delivery's failure journal.
func (s *DeliveryService) Errors(ctx context.Context, id uuid.UUID, principal string) ([]*domain.DeliveryError, error) {
	if _, err := s.Get(ctx, id, principal); err != nil {
		return nil, err
	}
	return s.errs.ListByDelivery(ctx, id)
}

// Update changes the pre-send fields of a NEW delivery.
func (s *DeliveryService) Update(ctx context.Context, id uuid.UUID, principal string, input UpdateDeliveryInput) (*domain.Delivery, error) {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.FromPrincipal != principal {
		return nil, domain.ErrForbidden
	}
	if d.State != domain.DeliveryNew {
		return nil, fmt.Errorf("cannot update in state %s: %w", d.State, domain.ErrInvalidStateTransition)
	}
	if input.UserMessage != nil {
		d.UserMessage = sql.NullString{String: *input.UserMessage, Valid: *input.UserMessage != ""}
	}
	if input.ShareUsers != nil {
		d.ShareUsers = input.ShareUsers
	}
	if input.TemplateSetID.Valid {
		d.TemplateSetID = input.TemplateSetID
	}
	if input.Destination != nil {
		d.Destination = input.Destination
	}
	if err := s.deliveries.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Delete removes a delivery that is not mid-transfer.
func (s *DeliveryService) Delete(ctx context.Context, id uuid.UUID, principal string) error {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if d.FromPrincipal != principal {
		return domain.ErrForbidden
	}
	if d.State == domain.DeliveryTransferring {
		return fmt.Errorf("cannot delete in state %s: %w", d.State, domain.ErrInvalidStateTransition)
	}
	if err := s.deliveries.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Delivery deleted", "delivery_id", id, "performed_by", principal)
	return nil
}
