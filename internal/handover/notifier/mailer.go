package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// OutgoingMessage is a fully rendered plain-text email.
type OutgoingMessage struct {
	From    string
	To      string
	CC      string
	ReplyTo string
	Subject string
	Body    string
}

// Mailer is the pluggable mail sink.
type Mailer interface {
	Send(ctx context.Context, msg OutgoingMessage) error
}

// SMTPMailer delivers messages through a plain SMTP relay.
type SMTPMailer struct {
	addr   string
	from   string
	logger *slog.Logger
}

func NewSMTPMailer(addr, from string, logger *slog.Logger) *SMTPMailer {
	return &SMTPMailer{addr: addr, from: from, logger: logger}
}

func (m *SMTPMailer) Send(ctx context.Context, msg OutgoingMessage) error {
	recipients := []string{msg.To}
	if msg.CC != "" {
		recipients = append(recipients, msg.CC)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	if msg.CC != "" {
		fmt.Fprintf(&b, "Cc: %s\r\n", msg.CC)
	}
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	// Envelope sender is the configured service address; the header From is
	// the delivery's sender.
	if err := smtp.SendMail(m.addr, nil, m.from, recipients, []byte(b.String())); err != nil {
		m.logger.ErrorContext(ctx, "SMTP send failed", "error", err, "to", msg.To)
		return fmt.Errorf("smtp send: %w", err)
	}
	m.logger.InfoContext(ctx, "Email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// ConsoleMailer logs messages instead of sending them. Used in development
// and tests.
type ConsoleMailer struct {
	logger *slog.Logger
}

func NewConsoleMailer(logger *slog.Logger) *ConsoleMailer {
	return &ConsoleMailer{logger: logger}
}

func (m *ConsoleMailer) Send(ctx context.Context, msg OutgoingMessage) error {
	m.logger.InfoContext(ctx, "Email (console sink)",
		"from", msg.From, "to", msg.To, "cc", msg.CC,
		"reply_to", msg.ReplyTo, "subject", msg.Subject, "body", msg.Body)
	return nil
}
