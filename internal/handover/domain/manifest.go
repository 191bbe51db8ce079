package domain

import (
	"time"

	"github.com/google/uuid"
)

// ManifestEntry describes one object captured by a manifest snapshot.
// S3 entries carry etag/version/metadata; azure entries carry the hex MD5
// from the file system listing. Absent fields are omitted from the canonical
// JSON form.
type ManifestEntry struct {
	Key           string            `json:"key"`
	ContentLength int64             `json:"content_length"`
	ContentType   string            `json:"content_type,omitempty"`
	LastModified  string            `json:"last_modified,omitempty"` // ISO-8601
	ETag          string            `json:"etag,omitempty"`
	VersionID     string            `json:"version_id,omitempty"`
	ContentMD5    string            `json:"content_md5,omitempty"` // hex
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Manifest is the immutable, signed record of the source contents at the
// moment of delivery. Content holds the canonical JSON array followed by the
// separator and the hex HMAC signature.
type Manifest struct {
	ID         uuid.UUID
	DeliveryID uuid.UUID
	Content    []byte
	CreatedAt  time.Time
}

// Manifest verification statuses returned on read.
const (
	SignatureVerified = "Signature Verified"
	SignatureInvalid  = "Invalid Signature"
	SignatureNone     = "None"
)

// DeliveryError is one row in a delivery's append-only failure journal.
type DeliveryError struct {
	ID         uuid.UUID
	DeliveryID uuid.UUID
	Message    string
	CreatedAt  time.Time
}
