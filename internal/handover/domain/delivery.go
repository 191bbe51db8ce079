package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// BackendKind identifies which storage backend a delivery moves data in.
type BackendKind string

const (
	BackendDDS   BackendKind = "dds"
	BackendS3    BackendKind = "s3"
	BackendAzure BackendKind = "azure"
)

// ValidBackend reports whether s names a known backend kind.
func ValidBackend(s string) bool {
	switch BackendKind(s) {
	case BackendDDS, BackendS3, BackendAzure:
		return true
	}
	return false
}

// DeliveryState is the lifecycle state of a delivery.
type DeliveryState string

const (
	DeliveryNew          DeliveryState = "new"
	DeliveryNotified     DeliveryState = "notified"
	DeliveryAccepted     DeliveryState = "accepted"
	DeliveryDeclined     DeliveryState = "declined"
	DeliveryFailed       DeliveryState = "failed"
	DeliveryTransferring DeliveryState = "transferring"
	DeliveryCanceled     DeliveryState = "canceled"
)

// TransferState tracks progress through the multi-step transfer sequence.
// Values are ordered; a delivery's transfer state never moves backwards.
type TransferState string

const (
	TransferNew                TransferState = "new"
	TransferManifestCreated    TransferState = "manifest_created"
	TransferTransferred        TransferState = "transferred"
	TransferDownloadUsersAdded TransferState = "download_users_added"
	TransferOwnerChanged       TransferState = "owner_changed"
	TransferSenderEmailed      TransferState = "sender_emailed"
	TransferRecipientEmailed   TransferState = "recipient_emailed"
	TransferComplete           TransferState = "complete"
)

var transferOrder = map[TransferState]int{
	TransferNew:                0,
	TransferManifestCreated:    1,
	TransferTransferred:        2,
	TransferDownloadUsersAdded: 3,
	TransferOwnerChanged:       4,
	TransferSenderEmailed:      5,
	TransferRecipientEmailed:   6,
	TransferComplete:           7,
}

// Rank returns the position of s in the transfer step order, or -1 when s is
// not a known state.
func (s TransferState) Rank() int {
	r, ok := transferOrder[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s has reached (or passed) other.
func (s TransferState) AtLeast(other TransferState) bool {
	return s.Rank() >= other.Rank()
}

// StorageRef is a backend-typed handle to a project: the project id for dds,
// the bucket name for s3, or (container URL, top-level path) for azure.
type StorageRef struct {
	Container string `json:"container"`
	Path      string `json:"path,omitempty"`
}

// ShareUser is an additional principal granted read access at acceptance.
type ShareUser struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
}

// Delivery is one intended custodial transfer of a project from a sender to
// a recipient within a single storage backend.
type Delivery struct {
	ID          uuid.UUID
	Backend     BackendKind
	Source      StorageRef
	Destination *StorageRef // nil until acceptance for azure

	FromPrincipal string
	ToPrincipal   string

	State         DeliveryState
	TransferState TransferState

	DeclineReason sql.NullString
	PerformedBy   sql.NullString
	UserMessage   sql.NullString

	// Rendered email bodies, saved when each notification goes out.
	DeliveryEmailText  sql.NullString
	SenderEmailText    sql.NullString
	RecipientEmailText sql.NullString

	TemplateSetID uuid.NullUUID
	ShareUsers    []ShareUser

	// TransferToken is the opaque handle carried by the acceptance URL. For
	// dds it is the backend's project-transfer id; for s3 a UUID minted at
	// creation; for azure the delivery's own id. Never changes after the
	// first notification.
	TransferToken string

	// TransferUUID correlates an in-flight azure pipeline run with its
	// completion callback.
	TransferUUID sql.NullString

	ManifestID uuid.NullUUID

	// Version is the optimistic-concurrency row version; every successful
	// update increments it.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDelivery creates a delivery in its initial state.
func NewDelivery(backend BackendKind, source StorageRef, from, to string) *Delivery {
	now := time.Now().UTC()
	return &Delivery{
		ID:            uuid.New(),
		Backend:       backend,
		Source:        source,
		FromPrincipal: from,
		ToPrincipal:   to,
		State:         DeliveryNew,
		TransferState: TransferNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsComplete reports whether the delivery has reached a terminal state.
func (d *Delivery) IsComplete() bool {
	switch d.State {
	case DeliveryAccepted, DeliveryDeclined, DeliveryFailed, DeliveryCanceled:
		return true
	}
	return false
}

// CanCancel reports whether cancel is a legal transition.
func (d *Delivery) CanCancel() bool {
	return d.State == DeliveryNew || d.State == DeliveryNotified
}

// CanRespond reports whether the recipient may still accept or decline.
func (d *Delivery) CanRespond() bool {
	return d.State == DeliveryNotified
}

// CanRestart reports whether a manual restart may re-enqueue the transfer.
// FAILED deliveries always qualify; a TRANSFERRING delivery qualifies too so
// an operator can unstick one whose job was lost.
func (d *Delivery) CanRestart() bool {
	return d.State == DeliveryFailed || d.State == DeliveryTransferring
}

// AdvanceTransferState moves the transfer state forward. Moving backwards is
// rejected; setting the current state again is a no-op.
func (d *Delivery) AdvanceTransferState(next TransferState) error {
	if next.Rank() < 0 {
		return ErrInvalidStateTransition
	}
	if next.Rank() < d.TransferState.Rank() {
		return ErrInvalidStateTransition
	}
	d.TransferState = next
	return nil
}

// deliveryTransitions enumerates the legal lifecycle edges.
var deliveryTransitions = map[DeliveryState][]DeliveryState{
	DeliveryNew:          {DeliveryNotified, DeliveryCanceled},
	DeliveryNotified:     {DeliveryNotified, DeliveryCanceled, DeliveryAccepted, DeliveryTransferring, DeliveryDeclined},
	DeliveryTransferring: {DeliveryAccepted, DeliveryFailed, DeliveryTransferring},
	DeliveryFailed:       {DeliveryTransferring},
}

// Transition moves the delivery into next, enforcing the state machine.
func (d *Delivery) Transition(next DeliveryState) error {
	for _, allowed := range deliveryTransitions[d.State] {
		if allowed == next {
			d.State = next
			return nil
		}
	}
	return ErrInvalidStateTransition
}
