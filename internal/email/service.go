// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	texttemplate "text/template"
)

// Config holds SMTP configuration.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service.
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) from() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends an HTML email with a plain text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	boundary := "boundary-taigalike"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.from())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// FieldChange is one line of the change table.
type FieldChange struct {
	Field string
	From  string
	To    string
}

// ChangeData holds data for the change notification template.
type ChangeData struct {
	AppName   string
	UserName  string
	ActorName string
	Action    string
	Kind      string
	Ref       int64
	Title     string
	Comment   string
	Changes   []FieldChange
	URL       string
}

// Verb is the past tense of Action.
func (d ChangeData) Verb() string {
	switch d.Action {
	case "create":
		return "created"
	case "delete":
		return "deleted"
	default:
		return "changed"
	}
}

// Subject is the mail subject line of a change notification.
func (d ChangeData) Subject() string {
	if d.Ref > 0 {
		return fmt.Sprintf("[%s] %s #%d %s", d.AppName, d.Kind, d.Ref, d.Title)
	}
	return fmt.Sprintf("[%s] %s %s", d.AppName, d.Kind, d.Title)
}

// SendChangeNotification mails one recipient about a recorded change.
func (s *Service) SendChangeNotification(to string, data ChangeData) error {
	if data.AppName == "" {
		data.AppName = "TaigaLike"
	}
	html, err := renderTemplate(changeEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render change template: %w", err)
	}
	text, err := renderText(changeTextTemplate, data)
	if err != nil {
		return fmt.Errorf("render change text: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, data.Subject(), text, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderText(tmpl string, data interface{}) (string, error) {
	t := texttemplate.Must(texttemplate.New("email-text").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const changeTextTemplate = `Hi {{.UserName}},

{{.ActorName}} {{.Verb}} {{.Kind}}{{if .Ref}} #{{.Ref}}{{end}} {{.Title}}
{{range .Changes}}
  {{.Field}}: {{.From}} -> {{.To}}{{end}}
{{if .Comment}}
Comment:
{{.Comment}}
{{end}}{{if .URL}}
{{.URL}}{{end}}
`

const changeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #008aa8; padding-bottom: 10px; margin-bottom: 20px; }
        table { border-collapse: collapse; width: 100%; }
        td { border-bottom: 1px solid #eee; padding: 6px; vertical-align: top; }
        .field { font-weight: bold; }
        .comment { background: #f5f5f5; padding: 12px; border-radius: 4px; margin: 20px 0; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>

    <p><strong>{{.ActorName}}</strong> {{.Verb}} {{.Kind}}{{if .Ref}} #{{.Ref}}{{end}} <em>{{.Title}}</em>.</p>
    {{if .Changes}}
    <table>
        {{range .Changes}}<tr><td class="field">{{.Field}}</td><td>{{.From}}</td><td>{{.To}}</td></tr>
        {{end}}
    </table>
    {{end}}
    {{if .Comment}}<div class="comment">{{.Comment}}</div>{{end}}
    {{if .URL}}<p><a href="{{.URL}}">Open in {{.AppName}}</a></p>{{end}}

    <div class="footer">
        <p>You receive this email because you watch or take part in this item. Change your notification level in the project settings.</p>
    </div>
</body>
</html>`
