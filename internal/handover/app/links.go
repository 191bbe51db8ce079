package app

import (
	"fmt"
	"strings"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// Links builds the user-facing URLs embedded in notification emails and
// acceptance pages.
type Links struct {
	AcceptURLBase string
	PortalURLBase string
}

// AcceptURL is the signed acceptance link carried by the delivery email.
func (l Links) AcceptURL(d *domain.Delivery) string {
	return fmt.Sprintf("%s/prompt?transfer_id=%s&delivery_type=%s",
		strings.TrimSuffix(l.AcceptURLBase, "/"), d.TransferToken, d.Backend)
}

// ProjectURL points at the project in its backend's browsing surface.
func (l Links) ProjectURL(d *domain.Delivery) string {
	switch d.Backend {
	case domain.BackendS3:
		return "s3://" + d.Source.Container
	case domain.BackendAzure:
		return strings.TrimSuffix(d.Source.Container, "/") + "/" + d.Source.Path
	default:
		return fmt.Sprintf("%s/projects/%s", strings.TrimSuffix(l.PortalURLBase, "/"), d.Source.Container)
	}
}

// ProjectName is the human-readable project handle shown in emails.
func (l Links) ProjectName(d *domain.Delivery) string {
	if d.Backend == domain.BackendAzure && d.Source.Path != "" {
		return d.Source.Path
	}
	return d.Source.Container
}
