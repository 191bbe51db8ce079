package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// Store serializes manifest entries into their canonical signed form and
// verifies them on read.
type Store struct {
	repo   domain.ManifestRepository
	signer *Signer
	logger *slog.Logger
}

func NewStore(repo domain.ManifestRepository, signer *Signer, logger *slog.Logger) *Store {
	return &Store{repo: repo, signer: signer, logger: logger}
}

// CreateFromEntries canonicalizes, signs, and persists a manifest for the
// delivery. The persisted manifest is immutable.
func (s *Store) CreateFromEntries(ctx context.Context, deliveryID uuid.UUID, entries []domain.ManifestEntry) (*domain.Manifest, error) {
	payload, err := CanonicalJSON(entries)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	m := &domain.Manifest{
		ID:         uuid.New(),
		DeliveryID: deliveryID,
		Content:    s.signer.Sign(payload),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Manifest stored", "manifest_id", m.ID, "delivery_id", deliveryID, "entries", len(entries))
	return m, nil
}

// ReplaceFromEntries overwrites an existing manifest's content. Used only by
// the azure completion callback.
func (s *Store) ReplaceFromEntries(ctx context.Context, manifestID, deliveryID uuid.UUID, entries []domain.ManifestEntry) error {
	payload, err := CanonicalJSON(entries)
	if err != nil {
		return fmt.Errorf("canonicalize manifest: %w", err)
	}
	m := &domain.Manifest{
		ID:         manifestID,
		DeliveryID: deliveryID,
		Content:    s.signer.Sign(payload),
	}
	return s.repo.Replace(ctx, m)
}

// Read loads a manifest, verifies its signature, and parses the entries.
// Entries are nil unless the status is "Signature Verified".
func (s *Store) Read(ctx context.Context, manifestID uuid.UUID) ([]domain.ManifestEntry, string, error) {
	m, err := s.repo.GetByID(ctx, manifestID)
	if err != nil {
		return nil, "", err
	}
	payload, status := s.signer.Verify(m.Content)
	if status != domain.SignatureVerified {
		s.logger.WarnContext(ctx, "Manifest failed verification", "manifest_id", manifestID, "status", status)
		return nil, status, nil
	}
	var entries []domain.ManifestEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, status, fmt.Errorf("parse manifest payload: %w", err)
	}
	return entries, status, nil
}

// CanonicalJSON serializes entries as a JSON array with object keys sorted.
// Each entry is marshaled through a map so encoding/json emits its keys in
// sorted order; absent optional fields are omitted entirely.
func CanonicalJSON(entries []domain.ManifestEntry) ([]byte, error) {
	canonical := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		obj := map[string]any{
			"key":            e.Key,
			"content_length": e.ContentLength,
		}
		if e.ContentType != "" {
			obj["content_type"] = e.ContentType
		}
		if e.LastModified != "" {
			obj["last_modified"] = e.LastModified
		}
		if e.ETag != "" {
			obj["etag"] = e.ETag
		}
		if e.VersionID != "" {
			obj["version_id"] = e.VersionID
		}
		if e.ContentMD5 != "" {
			obj["content_md5"] = e.ContentMD5
		}
		if len(e.Metadata) > 0 {
			obj["metadata"] = e.Metadata
		}
		canonical = append(canonical, obj)
	}
	return json.Marshal(canonical)
}
