package notifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukedataservice/handover/internal/handover/domain"
	"github.com/dukedataservice/handover/internal/handover/templates"
)

// Direction selects which party a notification addresses.
type Direction int

const (
	// ToRecipient sets From = sender, To = recipient.
	ToRecipient Direction = iota
	// ToSender swaps the two.
	ToSender
)

// Extras carries the per-call context values the notifier cannot derive from
// the delivery row itself.
type Extras struct {
	ProjectName    string
	ProjectURL     string
	AcceptURL      string
	WarningMessage string
}

// Notifier renders a template for a delivery and hands the message to the
// mail sink. The rendered body is returned so callers can save it on the
// delivery record.
type Notifier struct {
	resolver    *templates.Resolver
	directory   Directory
	mailer      Mailer
	serviceName string
	logger      *slog.Logger
}

func NewNotifier(resolver *templates.Resolver, directory Directory, mailer Mailer, serviceName string, logger *slog.Logger) *Notifier {
	return &Notifier{
		resolver:    resolver,
		directory:   directory,
		mailer:      mailer,
		serviceName: serviceName,
		logger:      logger,
	}
}

// Notify resolves the delivery's template set, renders subject and body for
// the given template type, and sends the message in the given direction.
func (n *Notifier) Notify(ctx context.Context, d *domain.Delivery, templateType domain.TemplateType, direction Direction, extras Extras) (string, error) {
	set, err := n.resolver.ResolveForDelivery(ctx, d)
	if err != nil {
		return "", err
	}
	tpl, err := templates.Select(set, templateType)
	if err != nil {
		return "", err
	}

	sender, err := n.directory.Lookup(ctx, d.FromPrincipal, d.Backend)
	if err != nil {
		return "", fmt.Errorf("lookup sender %s: %w", d.FromPrincipal, err)
	}
	recipient, err := n.directory.Lookup(ctx, d.ToPrincipal, d.Backend)
	if err != nil {
		return "", fmt.Errorf("lookup recipient %s: %w", d.ToPrincipal, err)
	}

	renderCtx := templates.Context{
		ServiceName:    n.serviceName,
		ProjectName:    extras.ProjectName,
		ProjectURL:     extras.ProjectURL,
		SenderName:     sender.Name,
		SenderEmail:    sender.Email,
		SenderNetID:    sender.NetID,
		RecipientName:  recipient.Name,
		RecipientEmail: recipient.Email,
		RecipientNetID: recipient.NetID,
		AcceptURL:      extras.AcceptURL,
		Type:           string(templateType),
		Message:        nullableString(d.DeclineReason),
		UserMessage:    nullableString(d.UserMessage),
		WarningMessage: extras.WarningMessage,
	}

	subject := templates.Render(tpl.Subject, renderCtx)
	body := templates.Render(tpl.Body, renderCtx)

	msg := OutgoingMessage{
		From:    sender.Email,
		To:      recipient.Email,
		Subject: subject,
		Body:    body,
	}
	if direction == ToSender {
		msg.From, msg.To = recipient.Email, sender.Email
	}
	if set.CCAddress.Valid && set.CCAddress.String != "" {
		msg.CC = set.CCAddress.String
	}
	if set.ReplyAddress.Valid && set.ReplyAddress.String != "" {
		msg.ReplyTo = set.ReplyAddress.String
	} else {
		msg.ReplyTo = sender.Email
	}

	if err := n.mailer.Send(ctx, msg); err != nil {
		return "", err
	}
	notificationsSentCounter.WithLabelValues(string(templateType)).Inc()
	n.logger.InfoContext(ctx, "Notification sent",
		"delivery_id", d.ID, "template_type", templateType, "to", msg.To)
	return body, nil
}

// NotifyShare tells a share user they were granted access to a completed
// delivery. The template type is derived from the share role ("share-view",
// "share-download", ...); tenants whose set carries no template for the role
// get no mail.
func (n *Notifier) NotifyShare(ctx context.Context, d *domain.Delivery, su domain.ShareUser, extras Extras) error {
	set, err := n.resolver.ResolveForDelivery(ctx, d)
	if err != nil {
		return err
	}
	templateType := domain.ShareTemplateType(su.Role)
	tpl, err := templates.Select(set, templateType)
	if err != nil {
		var missing *domain.TemplateMissingError
		if errors.As(err, &missing) {
			n.logger.InfoContext(ctx, "No share template for role, skipping notification",
				"delivery_id", d.ID, "role", su.Role)
			return nil
		}
		return err
	}

	sender, err := n.directory.Lookup(ctx, d.FromPrincipal, d.Backend)
	if err != nil {
		return fmt.Errorf("lookup sender %s: %w", d.FromPrincipal, err)
	}
	shareUser, err := n.directory.Lookup(ctx, su.Principal, d.Backend)
	if err != nil {
		return fmt.Errorf("lookup share user %s: %w", su.Principal, err)
	}

	renderCtx := templates.Context{
		ServiceName:    n.serviceName,
		ProjectName:    extras.ProjectName,
		ProjectURL:     extras.ProjectURL,
		SenderName:     sender.Name,
		SenderEmail:    sender.Email,
		SenderNetID:    sender.NetID,
		RecipientName:  shareUser.Name,
		RecipientEmail: shareUser.Email,
		RecipientNetID: shareUser.NetID,
		Type:           string(templateType),
		UserMessage:    nullableString(d.UserMessage),
	}

	msg := OutgoingMessage{
		From:    sender.Email,
		To:      shareUser.Email,
		Subject: templates.Render(tpl.Subject, renderCtx),
		Body:    templates.Render(tpl.Body, renderCtx),
	}
	if set.CCAddress.Valid && set.CCAddress.String != "" {
		msg.CC = set.CCAddress.String
	}
	if set.ReplyAddress.Valid && set.ReplyAddress.String != "" {
		msg.ReplyTo = set.ReplyAddress.String
	} else {
		msg.ReplyTo = sender.Email
	}

	if err := n.mailer.Send(ctx, msg); err != nil {
		return err
	}
	notificationsSentCounter.WithLabelValues(string(templateType)).Inc()
	n.logger.InfoContext(ctx, "Share notification sent",
		"delivery_id", d.ID, "role", su.Role, "to", msg.To)
	return nil
}

// NotifyFailure tells the sender a transfer failed. Failures have no
// per-tenant template; the notice is a fixed plain-text message.
func (n *Notifier) NotifyFailure(ctx context.Context, d *domain.Delivery, projectName, reason string) error {
	sender, err := n.directory.Lookup(ctx, d.FromPrincipal, d.Backend)
	if err != nil {
		return fmt.Errorf("lookup sender %s: %w", d.FromPrincipal, err)
	}
	msg := OutgoingMessage{
		From:    sender.Email,
		To:      sender.Email,
		ReplyTo: sender.Email,
		Subject: fmt.Sprintf("%s: delivery of %s failed", n.serviceName, projectName),
		Body: fmt.Sprintf("The delivery of %s to %s could not be completed.\n\nReason: %s\n\nThe delivery has been marked failed; an administrator can restart it.\n",
			projectName, d.ToPrincipal, reason),
	}
	if err := n.mailer.Send(ctx, msg); err != nil {
		return err
	}
	notificationsSentCounter.WithLabelValues("failure").Inc()
	n.logger.InfoContext(ctx, "Failure notification sent", "delivery_id", d.ID, "to", msg.To)
	return nil
}

func nullableString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
