package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/google/uuid"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// reminderTemplates maps dunning template IDs to their subject line and body.
// Bodies render with {{.amount_due}}, {{.currency}} and {{.stage}} variables.
var reminderTemplates = map[string]struct {
	Subject string
	Body    string
}{
	"dunning_payment_failed": {
		Subject: "We couldn't process your payment",
		Body: `<p>Hi,</p>
<p>Your latest payment of {{.amount_due}} {{.currency}} did not go through.
Please update your payment method to keep your membership active.</p>`,
	},
	"dunning_first_reminder": {
		Subject: "Reminder: your payment is still outstanding",
		Body: `<p>Hi,</p>
<p>We still haven't been able to collect {{.amount_due}} {{.currency}}.
Update your payment details to avoid any interruption.</p>`,
	},
	"dunning_second_reminder": {
		Subject: "Second reminder: action needed on your membership",
		Body: `<p>Hi,</p>
<p>Your payment of {{.amount_due}} {{.currency}} remains unpaid.
Your membership will be at risk if the balance stays open.</p>`,
	},
	"dunning_final_warning": {
		Subject: "Final warning: your membership will be canceled",
		Body: `<p>Hi,</p>
<p>This is the last notice before cancellation. Settle the open balance of
{{.amount_due}} {{.currency}} now to keep your membership.</p>`,
	},
	"dunning_canceled": {
		Subject: "Your membership has been canceled",
		Body: `<p>Hi,</p>
<p>We were unable to collect payment and your membership has been canceled.
You can rejoin at any time.</p>`,
	},
}

type SMTPProvider struct {
	cfg Config
}

func NewSMTP(cfg Config) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Send(ctx context.Context, templateID string, to string, vars map[string]any) (SendResult, error) {
	tmpl, ok := reminderTemplates[templateID]
	if !ok {
		return SendResult{}, fmt.Errorf("unknown email template: %s", templateID)
	}

	t, err := template.New(templateID).Parse(tmpl.Body)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to parse template: %w", err)
	}

	var body bytes.Buffer
	if err := t.Execute(&body, vars); err != nil {
		return SendResult{}, fmt.Errorf("failed to execute template: %w", err)
	}

	messageID := uuid.NewString()
	auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	mime := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n\n"
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\nMessage-ID: <%s@memberd>\r\n%s\r\n%s",
		to, tmpl.Subject, messageID, mime, body.String()))

	if err := smtp.SendMail(addr, auth, p.cfg.From, []string{to}, msg); err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: messageID}, nil
}
