package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TemplateType keys the individual templates within a set.
type TemplateType string

const (
	TemplateDelivery          TemplateType = "delivery"
	TemplateAccepted          TemplateType = "accepted"
	TemplateAcceptedRecipient TemplateType = "accepted-recipient"
	TemplateDeclined          TemplateType = "declined"
	TemplateCanceled          TemplateType = "canceled"
)

// ShareTemplateType returns the template type for a share grant with the
// given role, e.g. "share-view".
func ShareTemplateType(role string) TemplateType {
	return TemplateType("share-" + role)
}

// TemplateSet is a per-tenant bundle of email templates scoped to one
// backend kind.
type TemplateSet struct {
	ID           uuid.UUID
	Name         string
	Backend      BackendKind
	CCAddress    sql.NullString
	ReplyAddress sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Templates []Template
}

// Template holds the subject and body of one email template. Subject and body
// use {{placeholder}} syntax over the fixed rendering context.
type Template struct {
	ID      uuid.UUID
	SetID   uuid.UUID
	Type    TemplateType
	Subject string
	Body    string
}

// Find returns the template of the given type, or nil when absent.
func (s *TemplateSet) Find(t TemplateType) *Template {
	for i := range s.Templates {
		if s.Templates[i].Type == t {
			return &s.Templates[i]
		}
	}
	return nil
}

// UserTemplateBinding records a user's default template set for one backend.
// At most one binding exists per (principal, backend).
type UserTemplateBinding struct {
	ID        uuid.UUID
	Principal string
	Backend   BackendKind
	SetID     uuid.UUID
	CreatedAt time.Time
}
