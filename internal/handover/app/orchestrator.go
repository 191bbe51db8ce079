package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dukedataservice/handover/internal/handover/domain"
	"github.com/dukedataservice/handover/internal/handover/manifest"
	"github.com/dukedataservice/handover/internal/handover/notifier"
	"github.com/dukedataservice/handover/internal/handover/storage"
	"github.com/dukedataservice/handover/internal/platform/messagebroker"
)

// Orchestrator advances TRANSFERRING deliveries through their backend's step
// sequence. Every step is idempotent: a step checks the recorded
// transfer_state before doing work, persists its advance, and a resumed run
// skips what is already recorded. At most one run per delivery executes at a
// time, enforced by a single-flight group keyed on the delivery id.
type Orchestrator struct {
	deliveries domain.DeliveryRepository
	jobs       domain.TransferJobRepository
	errs       domain.DeliveryErrorRepository
	adapters   storage.Registry
	manifests  *manifest.Store
	notifier   *notifier.Notifier
	pipeline   *storage.PipelineClient
	natsClient *messagebroker.NATSClient
	links      Links
	logger     *slog.Logger

	group singleflight.Group
}

func NewOrchestrator(
	deliveries domain.DeliveryRepository,
	jobs domain.TransferJobRepository,
	errs domain.DeliveryErrorRepository,
	adapters storage.Registry,
	manifests *manifest.Store,
	n *notifier.Notifier,
	pipeline *storage.PipelineClient,
	natsClient *messagebroker.NATSClient,
	links Links,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		deliveries: deliveries,
		jobs:       jobs,
		errs:       errs,
		adapters:   adapters,
		manifests:  manifests,
		notifier:   n,
		pipeline:   pipeline,
		natsClient: natsClient,
		links:      links,
		logger:     logger,
	}
}

// Run executes one leased job. Concurrent runs for the same delivery
// collapse into a single execution.
func (o *Orchestrator) Run(ctx context.Context, job *domain.TransferJob) error {
	_, err, _ := o.group.Do(job.DeliveryID.String(), func() (any, error) {
		return nil, o.run(ctx, job)
	})
	return err
}

func (o *Orchestrator) run(ctx context.Context, job *domain.TransferJob) error {
	d, err := o.deliveries.GetByID(ctx, job.DeliveryID)
	if err != nil {
		return fmt.Errorf("load delivery %s: %w", job.DeliveryID, err)
	}
	switch job.JobType {
	case domain.JobSendSetup:
		return o.runSendSetup(ctx, d)
	case domain.JobTransfer:
		return o.runTransfer(ctx, d)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

// runSendSetup is the s3 pre-notification pipeline: snapshot the source
// manifest, grant the transfer agent full control, then send the delivery
// email and move the delivery to NOTIFIED.
func (o *Orchestrator) runSendSetup(ctx context.Context, d *domain.Delivery) error {
	if d.State != domain.DeliveryNew && d.State != domain.DeliveryNotified {
		o.logger.WarnContext(ctx, "Send setup skipped, delivery no longer sendable",
			"delivery_id", d.ID, "state", d.State)
		return nil
	}
	adapter, err := o.adapters.ForBackend(d.Backend)
	if err != nil {
		return err
	}

	if !d.ManifestID.Valid {
		entries, err := adapter.SnapshotManifest(ctx, d.Source)
		if err != nil {
			return fmt.Errorf("snapshot manifest: %w", err)
		}
		m, err := o.manifests.CreateFromEntries(ctx, d.ID, entries)
		if err != nil {
			return fmt.Errorf("persist manifest: %w", err)
		}
		d.ManifestID = uuid.NullUUID{UUID: m.ID, Valid: true}
		if err := o.advance(ctx, d, domain.TransferManifestCreated); err != nil {
			return err
		}
	}

	if err := adapter.GrantAgentFullControl(ctx, d.Source); err != nil {
		return fmt.Errorf("grant agent control: %w", err)
	}

	emailed := false
	if !d.DeliveryEmailText.Valid {
		body, err := o.notifier.Notify(ctx, d, domain.TemplateDelivery, notifier.ToRecipient, notifier.Extras{
			ProjectName: o.links.ProjectName(d),
			ProjectURL:  o.links.ProjectURL(d),
			AcceptURL:   o.links.AcceptURL(d),
		})
		if err != nil {
			return fmt.Errorf("send delivery email: %w", err)
		}
		d.DeliveryEmailText = sql.NullString{String: body, Valid: true}
		emailed = true
	}
	switch {
	case d.State == domain.DeliveryNew:
		if err := d.Transition(domain.DeliveryNotified); err != nil {
			return err
		}
		if err := o.deliveries.Update(ctx, d); err != nil {
			return err
		}
		publishDeliveryEvent(ctx, o.natsClient, o.logger, d)
	case emailed:
		// Forced re-send: the state is already NOTIFIED but the freshly
		// rendered email text still has to be persisted.
		if err := o.deliveries.Update(ctx, d); err != nil {
			return err
		}
	}
	o.logger.InfoContext(ctx, "Send setup complete", "delivery_id", d.ID)
	return nil
}

// runTransfer executes the post-accept sequence for the delivery's backend,
// resuming from the first transfer state not yet recorded.
func (o *Orchestrator) runTransfer(ctx context.Context, d *domain.Delivery) error {
	if d.State != domain.DeliveryTransferring {
		o.logger.WarnContext(ctx, "Transfer skipped, delivery not transferring",
			"delivery_id", d.ID, "state", d.State)
		return nil
	}
	switch d.Backend {
	case domain.BackendS3:
		return o.runS3Transfer(ctx, d)
	case domain.BackendAzure:
		return o.runAzureTransfer(ctx, d)
	default:
		return fmt.Errorf("backend %s has no orchestrated transfer", d.Backend)
	}
}

func (o *Orchestrator) runS3Transfer(ctx context.Context, d *domain.Delivery) error {
	adapter, err := o.adapters.ForBackend(d.Backend)
	if err != nil {
		return err
	}

	// The destination bucket name is fixed on first use so a resumed run
	// finds the partially filled bucket again.
	if d.Destination == nil {
		d.Destination = &domain.StorageRef{Container: fmt.Sprintf("%s-%s", d.Source.Container, shortID(d.ID))}
		if err := o.deliveries.Update(ctx, d); err != nil {
			return err
		}
	}

	if !d.TransferState.AtLeast(domain.TransferTransferred) {
		if err := adapter.CreateDestination(ctx, *d.Destination, d.ToPrincipal); err != nil {
			return fmt.Errorf("create destination: %w", err)
		}
		if err := adapter.CopyObjects(ctx, d.Source, *d.Destination); err != nil {
			return fmt.Errorf("copy objects: %w", err)
		}
		if err := o.advance(ctx, d, domain.TransferTransferred); err != nil {
			return err
		}
	}

	if !d.TransferState.AtLeast(domain.TransferDownloadUsersAdded) {
		for _, su := range d.ShareUsers {
			if err := adapter.GrantRecipientRead(ctx, *d.Destination, su.Principal); err != nil {
				return fmt.Errorf("grant share user %s: %w", su.Principal, err)
			}
		}
		if err := o.advance(ctx, d, domain.TransferDownloadUsersAdded); err != nil {
			return err
		}
	}

	if !d.TransferState.AtLeast(domain.TransferOwnerChanged) {
		if err := adapter.DeleteSource(ctx, d.Source); err != nil {
			return fmt.Errorf("delete source: %w", err)
		}
		if err := o.advance(ctx, d, domain.TransferOwnerChanged); err != nil {
			return err
		}
	}

	return o.finishTransfer(ctx, d)
}

func (o *Orchestrator) runAzureTransfer(ctx context.Context, d *domain.Delivery) error {
	adapter, err := o.adapters.ForBackend(d.Backend)
	if err != nil {
		return err
	}
	if d.Destination == nil {
		return o.failPermanently(ctx, d, errors.New("azure delivery has no destination"))
	}

	if !d.TransferState.AtLeast(domain.TransferManifestCreated) {
		exists, err := adapter.DestinationExists(ctx, *d.Destination)
		if err != nil {
			return fmt.Errorf("check destination: %w", err)
		}
		if exists {
			return o.failPermanently(ctx, d,
				fmt.Errorf("destination %s/%s already exists", d.Destination.Container, d.Destination.Path))
		}

		entries, err := adapter.SnapshotManifest(ctx, d.Source)
		if err != nil {
			return fmt.Errorf("snapshot manifest: %w", err)
		}
		m, err := o.manifests.CreateFromEntries(ctx, d.ID, entries)
		if err != nil {
			return fmt.Errorf("persist manifest: %w", err)
		}
		d.ManifestID = uuid.NullUUID{UUID: m.ID, Valid: true}
		if err := o.advance(ctx, d, domain.TransferManifestCreated); err != nil {
			return err
		}
	}

	if !d.TransferState.AtLeast(domain.TransferTransferred) {
		// Each attempt mints a fresh correlation uuid; a callback from a
		// superseded pipeline run no longer matches and is rejected.
		d.TransferUUID = sql.NullString{String: uuid.NewString(), Valid: true}
		if err := o.deliveries.Update(ctx, d); err != nil {
			return err
		}
		if err := o.pipeline.Start(ctx, d.Source, *d.Destination, d.ID.String(), d.TransferUUID.String); err != nil {
			return fmt.Errorf("start pipeline: %w", err)
		}
		// The run ends here; the pipeline's completion callback advances to
		// TRANSFERRED and enqueues the continuation job.
		o.logger.InfoContext(ctx, "Awaiting pipeline completion",
			"delivery_id", d.ID, "transfer_uuid", d.TransferUUID.String)
		return nil
	}

	if !d.TransferState.AtLeast(domain.TransferDownloadUsersAdded) {
		for _, su := range d.ShareUsers {
			if err := adapter.AddACL(ctx, *d.Destination, su.Principal, "r-x"); err != nil {
				return fmt.Errorf("grant share user %s: %w", su.Principal, err)
			}
		}
		if err := o.advance(ctx, d, domain.TransferDownloadUsersAdded); err != nil {
			return err
		}
	}

	if !d.TransferState.AtLeast(domain.TransferOwnerChanged) {
		if err := adapter.SetOwner(ctx, *d.Destination, d.ToPrincipal); err != nil {
			return fmt.Errorf("set destination owner: %w", err)
		}
		if err := o.advance(ctx, d, domain.TransferOwnerChanged); err != nil {
			return err
		}
	}

	return o.finishTransfer(ctx, d)
}

// finishTransfer runs the shared tail of both sequences: email the sender and
// the recipient (plus any share users), then mark the delivery ACCEPTED.
// Email steps are recorded transfer states, so a restart never re-sends a
// completion mail.
func (o *Orchestrator) finishTransfer(ctx context.Context, d *domain.Delivery) error {
	extras := notifier.Extras{
		ProjectName: o.links.ProjectName(d),
		ProjectURL:  o.links.ProjectURL(d),
	}

	if !d.TransferState.AtLeast(domain.TransferSenderEmailed) {
		body, err := o.notifier.Notify(ctx, d, domain.TemplateAccepted, notifier.ToSender, extras)
		if err != nil {
			return fmt.Errorf("email sender: %w", err)
		}
		d.SenderEmailText = sql.NullString{String: body, Valid: true}
		if err := o.advance(ctx, d, domain.TransferSenderEmailed); err != nil {
			return err
		}
	}

	if !d.TransferState.AtLeast(domain.TransferRecipientEmailed) {
		body, err := o.notifier.Notify(ctx, d, domain.TemplateAcceptedRecipient, notifier.ToRecipient, extras)
		if err != nil {
			return fmt.Errorf("email recipient: %w", err)
		}
		d.RecipientEmailText = sql.NullString{String: body, Valid: true}
		if err := o.advance(ctx, d, domain.TransferRecipientEmailed); err != nil {
			return err
		}
		// Share grants are already in place; tell each share user on the
		// first pass through this step only, best-effort.
		for _, su := range d.ShareUsers {
			if err := o.notifier.NotifyShare(ctx, d, su, extras); err != nil {
				o.logger.WarnContext(ctx, "Share notification failed",
					"delivery_id", d.ID, "share_user", su.Principal, "error", err)
			}
		}
	}

	if err := d.AdvanceTransferState(domain.TransferComplete); err != nil {
		return err
	}
	if err := d.Transition(domain.DeliveryAccepted); err != nil {
		return err
	}
	if err := o.deliveries.Update(ctx, d); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "Transfer complete", "delivery_id", d.ID, "backend", d.Backend)
	publishDeliveryEvent(ctx, o.natsClient, o.logger, d)
	return nil
}

// PipelineResult is the body of the azure pipeline's completion callback.
type PipelineResult struct {
	DeliveryID   uuid.UUID
	TransferUUID string
	ErrorMessage string
	Entries      []domain.ManifestEntry
}

// HandlePipelineCallback processes the inbound completion webhook. The
// delivery must be TRANSFERRING and the transfer uuid must match the one of
// the current pipeline run; anything else is rejected as ErrValidation. On
// success the pipeline's listing supersedes the pre-transfer snapshot and
// the continuation job finishes the remaining steps.
func (o *Orchestrator) HandlePipelineCallback(ctx context.Context, result PipelineResult) error {
	d, err := o.deliveries.GetByID(ctx, result.DeliveryID)
	if err != nil {
		pipelineCallbacksCounter.WithLabelValues("rejected").Inc()
		return err
	}
	if d.Backend != domain.BackendAzure || d.State != domain.DeliveryTransferring {
		pipelineCallbacksCounter.WithLabelValues("rejected").Inc()
		return fmt.Errorf("delivery %s is not awaiting a pipeline callback: %w", d.ID, domain.ErrValidation)
	}
	if !d.TransferUUID.Valid || d.TransferUUID.String != result.TransferUUID {
		pipelineCallbacksCounter.WithLabelValues("rejected").Inc()
		return fmt.Errorf("transfer uuid mismatch for delivery %s: %w", d.ID, domain.ErrValidation)
	}

	if result.ErrorMessage != "" {
		pipelineCallbacksCounter.WithLabelValues("error_reported").Inc()
		return o.failPermanently(ctx, d, fmt.Errorf("pipeline reported: %s", result.ErrorMessage))
	}

	if len(result.Entries) > 0 && d.ManifestID.Valid {
		if err := o.manifests.ReplaceFromEntries(ctx, d.ManifestID.UUID, d.ID, result.Entries); err != nil {
			return fmt.Errorf("replace manifest: %w", err)
		}
	}
	if err := o.advance(ctx, d, domain.TransferTransferred); err != nil {
		return err
	}

	busy, err := o.jobs.HasActiveJob(ctx, d.ID)
	if err != nil {
		return err
	}
	if !busy {
		if err := o.jobs.Enqueue(ctx, domain.NewTransferJob(d.ID, domain.JobTransfer)); err != nil {
			return err
		}
	}
	pipelineCallbacksCounter.WithLabelValues("success").Inc()
	o.logger.InfoContext(ctx, "Pipeline completion accepted",
		"delivery_id", d.ID, "transfer_uuid", result.TransferUUID)
	return nil
}

// FailDelivery records a terminal failure: journal the error, notify the
// sender, and move a TRANSFERRING delivery to FAILED. A failed send setup
// leaves the delivery in NEW so the sender can simply re-send.
func (o *Orchestrator) FailDelivery(ctx context.Context, deliveryID uuid.UUID, cause error) error {
	d, err := o.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return err
	}
	return o.failPermanently(ctx, d, cause)
}

func (o *Orchestrator) failPermanently(ctx context.Context, d *domain.Delivery, cause error) error {
	o.logger.ErrorContext(ctx, "Delivery failed terminally",
		"delivery_id", d.ID, "backend", d.Backend, "error", cause)

	deliveryErr := &domain.DeliveryError{
		ID:         uuid.New(),
		DeliveryID: d.ID,
		Message:    cause.Error(),
	}
	if err := o.errs.Append(ctx, deliveryErr); err != nil {
		o.logger.ErrorContext(ctx, "Failed to journal delivery error", "error", err, "delivery_id", d.ID)
	}

	if err := o.notifier.NotifyFailure(ctx, d, o.links.ProjectName(d), cause.Error()); err != nil {
		o.logger.ErrorContext(ctx, "Failure notification failed", "error", err, "delivery_id", d.ID)
	}

	if d.State == domain.DeliveryTransferring {
		if err := d.Transition(domain.DeliveryFailed); err != nil {
			return err
		}
		if err := o.deliveries.Update(ctx, d); err != nil {
			return err
		}
		publishDeliveryEvent(ctx, o.natsClient, o.logger, d)
	}
	return nil
}

// advance records the next transfer state and persists the delivery.
func (o *Orchestrator) advance(ctx context.Context, d *domain.Delivery, next domain.TransferState) error {
	if err := d.AdvanceTransferState(next); err != nil {
		return err
	}
	if err := o.deliveries.Update(ctx, d); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "Transfer state advanced", "delivery_id", d.ID, "transfer_state", next)
	return nil
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
