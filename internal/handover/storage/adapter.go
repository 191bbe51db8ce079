package storage

import (
	"context"
	"fmt"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// Adapter is the capability set the delivery core and the orchestrator use
// against a storage backend. Each backend implements the operations that
// apply to it; the rest fail with a permanent "not supported" backend error.
type Adapter interface {
	Kind() domain.BackendKind

	// VerifySourceOwnership reports whether sender controls the source.
	VerifySourceOwnership(ctx context.Context, source domain.StorageRef, sender string) (bool, error)
	// CreateBackendTransfer registers the transfer intent inside the backend
	// and returns the token the acceptance URL will carry. Only dds has a
	// native transfer object; the other backends return deliveryID.
	CreateBackendTransfer(ctx context.Context, source domain.StorageRef, recipient string, deliveryID string) (string, error)
	// SnapshotManifest enumerates the source-side object metadata.
	SnapshotManifest(ctx context.Context, source domain.StorageRef) ([]domain.ManifestEntry, error)

	// s3 capabilities.
	GrantAgentFullControl(ctx context.Context, source domain.StorageRef) error
	GrantRecipientRead(ctx context.Context, ref domain.StorageRef, principal string) error
	RestoreSenderControl(ctx context.Context, source domain.StorageRef, sender string) error
	CreateDestination(ctx context.Context, dest domain.StorageRef, owner string) error
	CopyObjects(ctx context.Context, source, dest domain.StorageRef) error
	DeleteSource(ctx context.Context, source domain.StorageRef) error

	// azure capabilities.
	DestinationExists(ctx context.Context, dest domain.StorageRef) (bool, error)
	MoveOrCopyDirectory(ctx context.Context, source, dest domain.StorageRef) error
	AddACL(ctx context.Context, dest domain.StorageRef, principal, permission string) error
	SetOwner(ctx context.Context, dest domain.StorageRef, principal string) error

	// dds transfer protocol.
	Accept(ctx context.Context, token string) error
	Decline(ctx context.Context, token, reason string) error
	Cancel(ctx context.Context, token string) error
}

// Registry maps backend kinds to their adapters.
type Registry map[domain.BackendKind]Adapter

// ForBackend returns the adapter for the kind, or ErrNotFound.
func (r Registry) ForBackend(kind domain.BackendKind) (Adapter, error) {
	a, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for backend %q: %w", kind, domain.ErrNotFound)
	}
	return a, nil
}

// unsupportedOps supplies "not supported" defaults for capabilities a
// backend does not have. Adapters embed it and override what applies.
type unsupportedOps struct {
	kind domain.BackendKind
}

func (u unsupportedOps) notSupported(op string) error {
	return domain.NewBackendError(op, domain.BackendPermanent,
		fmt.Errorf("operation not supported by %s backend", u.kind))
}

func (u unsupportedOps) GrantAgentFullControl(ctx context.Context, source domain.StorageRef) error {
	return u.notSupported("grant_agent_full_control")
}

func (u unsupportedOps) GrantRecipientRead(ctx context.Context, ref domain.StorageRef, principal string) error {
	return u.notSupported("grant_recipient_read")
}

func (u unsupportedOps) RestoreSenderControl(ctx context.Context, source domain.StorageRef, sender string) error {
	return u.notSupported("restore_sender_control")
}

func (u unsupportedOps) CreateDestination(ctx context.Context, dest domain.StorageRef, owner string) error {
	return u.notSupported("create_destination")
}

func (u unsupportedOps) CopyObjects(ctx context.Context, source, dest domain.StorageRef) error {
	return u.notSupported("copy_objects")
}

func (u unsupportedOps) DeleteSource(ctx context.Context, source domain.StorageRef) error {
	return u.notSupported("delete_source")
}

func (u unsupportedOps) DestinationExists(ctx context.Context, dest domain.StorageRef) (bool, error) {
	return false, u.notSupported("destination_exists")
}

func (u unsupportedOps) MoveOrCopyDirectory(ctx context.Context, source, dest domain.StorageRef) error {
	return u.notSupported("move_or_copy_directory")
}

func (u unsupportedOps) AddACL(ctx context.Context, dest domain.StorageRef, principal, permission string) error {
	return u.notSupported("add_acl")
}

func (u unsupportedOps) SetOwner(ctx context.Context, dest domain.StorageRef, principal string) error {
	return u.notSupported("set_owner")
}

func (u unsupportedOps) Accept(ctx context.Context, token string) error {
	return u.notSupported("accept")
}

func (u unsupportedOps) Decline(ctx context.Context, token, reason string) error {
	return u.notSupported("decline")
}

func (u unsupportedOps) Cancel(ctx context.Context, token string) error {
	return u.notSupported("cancel")
}

func (u unsupportedOps) SnapshotManifest(ctx context.Context, source domain.StorageRef) ([]domain.ManifestEntry, error) {
	return nil, u.notSupported("snapshot_manifest")
}
