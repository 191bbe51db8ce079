package templates

import "regexp"

// Context is the fixed rendering context shared by every template type.
// Values are inserted as plain text; emails are sent as text/plain so no
// HTML escaping applies.
type Context struct {
	ServiceName    string
	ProjectName    string
	ProjectURL     string
	SenderName     string
	SenderEmail    string
	SenderNetID    string
	RecipientName  string
	RecipientEmail string
	RecipientNetID string
	AcceptURL      string
	Type           string
	Message        string
	UserMessage    string
	WarningMessage string
}

func (c Context) toMap() map[string]string {
	return map[string]string{
		"service_name":    c.ServiceName,
		"project_name":    c.ProjectName,
		"project_url":     c.ProjectURL,
		"sender_name":     c.SenderName,
		"sender_email":    c.SenderEmail,
		"sender_netid":    c.SenderNetID,
		"recipient_name":  c.RecipientName,
		"recipient_email": c.RecipientEmail,
		"recipient_netid": c.RecipientNetID,
		"accept_url":      c.AcceptURL,
		"type":            c.Type,
		"message":         c.Message,
		"user_message":    c.UserMessage,
		"warning_message": c.WarningMessage,
	}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// Render substitutes {{name}} placeholders with values from the context.
// There is no logic in templates; unknown names render as empty strings.
func Render(template string, ctx Context) string {
	values := ctx.toMap()
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		return values[name]
	})
}
