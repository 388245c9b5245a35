// Package email sends task notifications over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}

	boundary := "boundary-vendaflow"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type TaskData struct {
	AppName   string
	UserName  string
	ActorName string
	CardTitle string
	BoardURL  string
}

// SendTaskAssigned tells a collaborator they were added to a card.
func (s *Service) SendTaskAssigned(to string, data TaskData) error {
	data.AppName = "VendaFlow"
	html, err := renderTemplate(taskAssignedTemplate, data)
	if err != nil {
		return fmt.Errorf("render task assigned template: %w", err)
	}
	text := fmt.Sprintf("%s atribuiu a tarefa \"%s\" a você.", data.ActorName, data.CardTitle)
	return s.SendHTMLEmail([]string{to}, "Nova tarefa: "+data.CardTitle, text, html)
}

// SendApprovalCompleted tells a collaborator every assignee has confirmed the card.
func (s *Service) SendApprovalCompleted(to string, data TaskData) error {
	data.AppName = "VendaFlow"
	html, err := renderTemplate(approvalCompletedTemplate, data)
	if err != nil {
		return fmt.Errorf("render approval template: %w", err)
	}
	text := fmt.Sprintf("Todos os colaboradores concluíram a tarefa \"%s\".", data.CardTitle)
	return s.SendHTMLEmail([]string{to}, "Tarefa liberada: "+data.CardTitle, text, html)
}

type InviteData struct {
	AppName          string
	InviterName      string
	OrganizationName string
	AcceptURL        string
}

// SendInvite delivers an organization invite link.
func (s *Service) SendInvite(to string, data InviteData) error {
	data.AppName = "VendaFlow"
	html, err := renderTemplate(inviteTemplate, data)
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	text := fmt.Sprintf("%s convidou você para %s no %s: %s", data.InviterName, data.OrganizationName, data.AppName, data.AcceptURL)
	return s.SendHTMLEmail([]string{to}, "Convite para "+data.OrganizationName, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #1f7a4d; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #1f7a4d; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }`

const taskAssignedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>Olá, {{.UserName}}!</p>
    <p>{{.ActorName}} atribuiu a tarefa <strong>{{.CardTitle}}</strong> a você.</p>
    {{if .BoardURL}}<p><a href="{{.BoardURL}}" class="button">Abrir quadro</a></p>{{end}}
</body>
</html>`

const approvalCompletedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>Olá, {{.UserName}}!</p>
    <p>Todos os colaboradores concluíram a tarefa <strong>{{.CardTitle}}</strong>. Ela já pode avançar no quadro.</p>
    {{if .BoardURL}}<p><a href="{{.BoardURL}}" class="button">Abrir quadro</a></p>{{end}}
</body>
</html>`

const inviteTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <p>{{.InviterName}} convidou você para o quadro de vendas de <strong>{{.OrganizationName}}</strong>.</p>
    <p><a href="{{.AcceptURL}}" class="button">Aceitar convite</a></p>
    <p>O link vale para um único cadastro.</p>
</body>
</html>`
