package http

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/dukedataservice/handover/internal/handover/app"
	"github.com/dukedataservice/handover/internal/handover/domain"
)

// AcceptanceHandler serves the recipient-facing pages: the accept/decline
// prompt reached from the delivery email, the decline-reason form, and the
// terminal accepted/declined pages. Lookups go by the backend transfer token
// carried in the email link, not by delivery id.
type AcceptanceHandler struct {
	service DeliveryService
	links   app.Links
	logger  *slog.Logger

	promptTmpl     *template.Template
	declineTmpl    *template.Template
	inProgressTmpl *template.Template
	noticeTmpl     *template.Template
}

const promptPageHTML = `<!DOCTYPE html>
<html>
<head><title>Project Delivery</title></head>
<body>
<h1>{{.ProjectName}}</h1>
<p>{{.SenderName}} wants to deliver this project to you.</p>
{{if .UserMessage}}<blockquote>{{.UserMessage}}</blockquote>{{end}}
<form method="POST" action="/process">
<input type="hidden" name="transfer_id" value="{{.TransferID}}">
<input type="hidden" name="delivery_type" value="{{.DeliveryType}}">
<button type="submit" name="accept" value="true">Accept</button>
<button type="submit" name="decline" value="true">Decline</button>
</form>
</body>
</html>`

const declinePageHTML = `<!DOCTYPE html>
<html>
<head><title>Decline Project</title></head>
<body>
<h1>Decline {{.ProjectName}}</h1>
{{if .ErrorMessage}}<p class="error">{{.ErrorMessage}}</p>{{end}}
<form method="POST" action="/decline">
<input type="hidden" name="transfer_id" value="{{.TransferID}}">
<input type="hidden" name="delivery_type" value="{{.DeliveryType}}">
<label for="decline_reason">Reason for declining:</label>
<textarea name="decline_reason" id="decline_reason"></textarea>
<button type="submit">Decline</button>
</form>
</body>
</html>`

const inProgressPageHTML = `<!DOCTYPE html>
<html>
<head><title>Delivery In Progress</title></head>
<body>
<h1>{{.ProjectName}}</h1>
<p>Thank you for accepting this delivery. The project data is being
transferred to you; you will receive an email when the transfer completes.</p>
</body>
</html>`

const noticePageHTML = `<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>`

func NewAcceptanceHandler(service DeliveryService, links app.Links, logger *slog.Logger) *AcceptanceHandler {
	return &AcceptanceHandler{
		service:        service,
		links:          links,
		logger:         logger,
		promptTmpl:     template.Must(template.New("prompt").Parse(promptPageHTML)),
		declineTmpl:    template.Must(template.New("decline").Parse(declinePageHTML)),
		inProgressTmpl: template.Must(template.New("in_progress").Parse(inProgressPageHTML)),
		noticeTmpl:     template.Must(template.New("notice").Parse(noticePageHTML)),
	}
}

type promptPageData struct {
	ProjectName  string
	SenderName   string
	UserMessage  string
	TransferID   string
	DeliveryType string
}

type declinePageData struct {
	ProjectName  string
	TransferID   string
	DeliveryType string
	ErrorMessage string
}

type noticePageData struct {
	Title   string
	Message string
}

// lookupByToken resolves the delivery for a transfer_id/delivery_type pair
// from the email link and writes the error page for the failure modes.
func (h *AcceptanceHandler) lookupByToken(w http.ResponseWriter, r *http.Request, transferID, deliveryType string) (*domain.Delivery, bool) {
	ctx := r.Context()
	if transferID == "" || deliveryType == "" {
		http.Error(w, "Missing transfer_id or delivery_type", http.StatusBadRequest)
		return nil, false
	}
	if !domain.ValidBackend(deliveryType) {
		http.Error(w, fmt.Sprintf("Unknown delivery type %q", deliveryType), http.StatusBadRequest)
		return nil, false
	}
	d, err := h.service.GetByToken(ctx, domain.BackendKind(deliveryType), transferID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "Transfer not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrDuplicateEntry):
			h.logger.ErrorContext(ctx, "Transfer token matches multiple deliveries",
				"transfer_id", transferID, "delivery_type", deliveryType)
			http.Error(w, "Transfer token is ambiguous", http.StatusBadRequest)
		default:
			h.logger.ErrorContext(ctx, "Failed to look up delivery by token", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return nil, false
	}
	return d, true
}

// checkRecipient verifies the authenticated user is the delivery's recipient.
// The s3 backend addresses deliveries by agent username, every other backend
// by netid.
func (h *AcceptanceHandler) checkRecipient(w http.ResponseWriter, r *http.Request, d *domain.Delivery) (string, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
		return "", false
	}
	switch d.Backend {
	case domain.BackendS3:
		if principal.S3User != d.ToPrincipal {
			http.Error(w, "This delivery was addressed to a different user", http.StatusForbidden)
			return "", false
		}
	default:
		if principal.NetID != d.ToPrincipal {
			http.Error(w, "This delivery was addressed to a different user", http.StatusForbidden)
			return "", false
		}
	}
	return d.ToPrincipal, true
}

func (h *AcceptanceHandler) render(w http.ResponseWriter, r *http.Request, tmpl *template.Template, status int, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to render page", "template", tmpl.Name(), "error", err)
	}
}

// ShowPrompt handles GET /prompt?transfer_id=...&delivery_type=...
func (h *AcceptanceHandler) ShowPrompt(w http.ResponseWriter, r *http.Request) {
	transferID := r.URL.Query().Get("transfer_id")
	deliveryType := r.URL.Query().Get("delivery_type")
	d, ok := h.lookupByToken(w, r, transferID, deliveryType)
	if !ok {
		return
	}
	if d.IsComplete() {
		http.Error(w, fmt.Sprintf("This delivery has already been processed; its status is %s", d.State), http.StatusBadRequest)
		return
	}
	h.render(w, r, h.promptTmpl, http.StatusOK, promptPageData{
		ProjectName:  h.links.ProjectName(d),
		SenderName:   d.FromPrincipal,
		UserMessage:  d.UserMessage.String,
		TransferID:   transferID,
		DeliveryType: deliveryType,
	})
}

// ProcessResponse handles POST /process. A decline button press
// leads to the decline-reason form; anything else is an acceptance.
func (h *AcceptanceHandler) ProcessResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	transferID := r.PostFormValue("transfer_id")
	deliveryType := r.PostFormValue("delivery_type")
	d, ok := h.lookupByToken(w, r, transferID, deliveryType)
	if !ok {
		return
	}
	if r.PostFormValue("decline") != "" {
		h.render(w, r, h.declineTmpl, http.StatusOK, declinePageData{
			ProjectName:  h.links.ProjectName(d),
			TransferID:   transferID,
			DeliveryType: deliveryType,
		})
		return
	}

	recipient, ok := h.checkRecipient(w, r, d)
	if !ok {
		return
	}
	updated, err := h.service.Accept(ctx, d.ID, recipient)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "ProcessResponse")
		return
	}
	if updated.Backend == domain.BackendDDS {
		// dds completes in place so the project is available right away.
		http.Redirect(w, r, h.links.ProjectURL(updated), http.StatusFound)
		return
	}
	h.render(w, r, h.inProgressTmpl, http.StatusOK, promptPageData{
		ProjectName: h.links.ProjectName(updated),
	})
}

// ProcessDecline handles POST /decline.
func (h *AcceptanceHandler) ProcessDecline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	transferID := r.PostFormValue("transfer_id")
	deliveryType := r.PostFormValue("delivery_type")
	d, ok := h.lookupByToken(w, r, transferID, deliveryType)
	if !ok {
		return
	}
	recipient, ok := h.checkRecipient(w, r, d)
	if !ok {
		return
	}

	reason := r.PostFormValue("decline_reason")
	_, err := h.service.Decline(ctx, d.ID, recipient, reason)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			h.render(w, r, h.declineTmpl, http.StatusBadRequest, declinePageData{
				ProjectName:  h.links.ProjectName(d),
				TransferID:   transferID,
				DeliveryType: deliveryType,
				ErrorMessage: "You must specify a reason for declining this project.",
			})
			return
		}
		mapDomainErrorToHTTPStatus(w, h.logger, err, "ProcessDecline")
		return
	}
	http.Redirect(w, r, "/declined", http.StatusFound)
}

// ShowAccepted handles GET /accepted.
func (h *AcceptanceHandler) ShowAccepted(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, h.noticeTmpl, http.StatusOK, noticePageData{
		Title:   "Delivery Accepted",
		Message: "You have accepted this project delivery.",
	})
}

// ShowDeclined handles GET /declined.
func (h *AcceptanceHandler) ShowDeclined(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, h.noticeTmpl, http.StatusOK, noticePageData{
		Title:   "Delivery Declined",
		Message: "You have declined this project delivery. The sender has been notified.",
	})
}
