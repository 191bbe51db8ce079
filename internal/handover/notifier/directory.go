package notifier

import (
	"context"
	"strings"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// UserInfo is what the notifier needs to know about a principal.
type UserInfo struct {
	NetID string
	Name  string
	Email string
}

// Directory resolves an opaque backend principal to a displayable identity.
// The production implementation may consult the backend's user API; the
// default derives the email from the netid and a configured host.
type Directory interface {
	Lookup(ctx context.Context, principal string, backend domain.BackendKind) (UserInfo, error)
}

// EmailHostDirectory treats the principal as a netid (or an email whose
// local-part is the netid) and forms addresses as netid@host.
type EmailHostDirectory struct {
	host string
}

func NewEmailHostDirectory(host string) *EmailHostDirectory {
	return &EmailHostDirectory{host: host}
}

func (d *EmailHostDirectory) Lookup(_ context.Context, principal string, _ domain.BackendKind) (UserInfo, error) {
	netid := principal
	if at := strings.Index(principal, "@"); at >= 0 {
		netid = principal[:at]
	}
	return UserInfo{
		NetID: netid,
		Name:  netid,
		Email: netid + "@" + d.host,
	}, nil
}
