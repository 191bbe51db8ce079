package http

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/app"
	"github.com/dukedataservice/handover/internal/handover/domain"
)

type StorageRefDTO struct {
	Container string `json:"container" validate:"required"`
	Path      string `json:"path,omitempty"`
}

type ShareUserDTO struct {
	Principal string `json:"principal" validate:"required"`
	Role      string `json:"role" validate:"required"`
}

type CreateDeliveryRequestDTO struct {
	Backend       string         `json:"backend" validate:"required,oneof=dds s3 azure"`
	Source        StorageRefDTO  `json:"source" validate:"required"`
	Destination   *StorageRefDTO `json:"destination,omitempty"`
	Recipient     string         `json:"recipient" validate:"required"`
	ShareUsers    []ShareUserDTO `json:"share_users,omitempty" validate:"dive"`
	UserMessage   string         `json:"user_message,omitempty"`
	TemplateSetID string         `json:"template_set_id,omitempty" validate:"omitempty,uuid"`
}

type UpdateDeliveryRequestDTO struct {
	UserMessage   *string        `json:"user_message,omitempty"`
	ShareUsers    []ShareUserDTO `json:"share_users,omitempty" validate:"dive"`
	TemplateSetID string         `json:"template_set_id,omitempty" validate:"omitempty,uuid"`
	Destination   *StorageRefDTO `json:"destination,omitempty"`
}

type DeliveryDTO struct {
	ID            string         `json:"id"`
	Backend       string         `json:"backend"`
	Source        StorageRefDTO  `json:"source"`
	Destination   *StorageRefDTO `json:"destination,omitempty"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	State         string         `json:"state"`
	TransferState string         `json:"transfer_state"`
	DeclineReason string         `json:"decline_reason,omitempty"`
	PerformedBy   string         `json:"performed_by,omitempty"`
	UserMessage   string         `json:"user_message,omitempty"`
	ShareUsers    []ShareUserDTO `json:"share_users,omitempty"`
	AcceptURL     string         `json:"accept_url,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type DeliveryListResponseDTO struct {
	Deliveries []DeliveryDTO `json:"deliveries"`
	Total      int           `json:"total"`
}

type SummaryResponseDTO struct {
	Counts map[string]int `json:"counts"`
}

type ManifestResponseDTO struct {
	Status  string             `json:"status"`
	Entries []ManifestEntryDTO `json:"entries,omitempty"`
}

type ManifestEntryDTO struct {
	Key           string            `json:"key"`
	ContentLength int64             `json:"content_length"`
	ContentType   string            `json:"content_type,omitempty"`
	LastModified  string            `json:"last_modified,omitempty"`
	ETag          string            `json:"etag,omitempty"`
	VersionID     string            `json:"version_id,omitempty"`
	ContentMD5    string            `json:"content_md5,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type DeliveryErrorDTO struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TransferCompleteRequestDTO is the azure pipeline's completion callback.
type TransferCompleteRequestDTO struct {
	DeliveryID   string             `json:"delivery_id" validate:"required,uuid"`
	TransferUUID string             `json:"transfer_uuid" validate:"required"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Manifest     []ManifestEntryDTO `json:"manifest,omitempty"`
}

func toStorageRefDTO(ref domain.StorageRef) StorageRefDTO {
	return StorageRefDTO{Container: ref.Container, Path: ref.Path}
}

func toDeliveryDTO(d *domain.Delivery, links app.Links) DeliveryDTO {
	dto := DeliveryDTO{
		ID:            d.ID.String(),
		Backend:       string(d.Backend),
		Source:        toStorageRefDTO(d.Source),
		Sender:        d.FromPrincipal,
		Recipient:     d.ToPrincipal,
		State:         string(d.State),
		TransferState: string(d.TransferState),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.Destination != nil {
		dest := toStorageRefDTO(*d.Destination)
		dto.Destination = &dest
	}
	if d.DeclineReason.Valid {
		dto.DeclineReason = d.DeclineReason.String
	}
	if d.PerformedBy.Valid {
		dto.PerformedBy = d.PerformedBy.String
	}
	if d.UserMessage.Valid {
		dto.UserMessage = d.UserMessage.String
	}
	for _, su := range d.ShareUsers {
		dto.ShareUsers = append(dto.ShareUsers, ShareUserDTO{Principal: su.Principal, Role: su.Role})
	}
	if !d.IsComplete() {
		dto.AcceptURL = links.AcceptURL(d)
	}
	return dto
}

func toManifestEntryDTOs(entries []domain.ManifestEntry) []ManifestEntryDTO {
	out := make([]ManifestEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, ManifestEntryDTO{
			Key:           e.Key,
			ContentLength: e.ContentLength,
			ContentType:   e.ContentType,
			LastModified:  e.LastModified,
			ETag:          e.ETag,
			VersionID:     e.VersionID,
			ContentMD5:    e.ContentMD5,
			Metadata:      e.Metadata,
		})
	}
	return out
}

func fromManifestEntryDTOs(entries []ManifestEntryDTO) []domain.ManifestEntry {
	out := make([]domain.ManifestEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.ManifestEntry{
			Key:           e.Key,
			ContentLength: e.ContentLength,
			ContentType:   e.ContentType,
			LastModified:  e.LastModified,
			ETag:          e.ETag,
			VersionID:     e.VersionID,
			ContentMD5:    e.ContentMD5,
			Metadata:      e.Metadata,
		})
	}
	return out
}

func parseUUIDField(s string) (uuid.NullUUID, error) {
	if s == "" {
		return uuid.NullUUID{}, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}
