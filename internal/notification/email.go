// Package notification e-mails validation alerts.
package notification

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/smtp"
	"text/template"
	"time"

	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/protocol"
	"github.com/smukkama/aqgrid/pkg/config"
)

var (
	triggeredTemplate = template.Must(template.New("triggered").Parse(`
Interpolation Quality Alert Triggered
=====================================

Region: {{.Region.MinLat}},{{.Region.MinLon}} to {{.Region.MaxLat}},{{.Region.MaxLon}}
Method: {{.Method}}
Metric: {{.Metric}}
Current Value: {{printf "%.3f" .Value}}
Limit: {{.Comparison}} {{printf "%.3f" .Threshold}}
Breach Start: {{.StartTime.Format "2006-01-02 15:04 MST"}}
Validation Run: {{.RunID}}
Alert ID: {{.AlertID}}

Description:
Leave-one-site-out validation of the {{.Method}} grid for this region
reports {{.Metric}} = {{printf "%.3f" .Value}}, outside the configured limit.
Grids are still being served; check calibration drift and sensor coverage.

---
aqgrid validation monitor
`))

	clearedTemplate = template.Must(template.New("cleared").Parse(`
Interpolation Quality Alert Cleared
===================================

Region: {{.Region.MinLat}},{{.Region.MinLon}} to {{.Region.MaxLat}},{{.Region.MaxLon}}
Method: {{.Method}}
Metric: {{.Metric}}
Validation Run: {{.RunID}}
Alert ID: {{.AlertID}}

Description:
The {{.Metric}} alert for the {{.Method}} grid has cleared. The latest
validation run is back within limits.

---
aqgrid validation monitor
`))
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends email notifications
type EmailNotifier struct {
	config *config.SMTPConfig
	send   sendFunc
	log    *slog.Logger
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig, log *slog.Logger) *EmailNotifier {
	return &EmailNotifier{config: cfg, send: smtp.SendMail, log: logging.OrDiscard(log)}
}

// Render returns the subject and body for an alert.
func Render(n *protocol.AlertNotification) (subject, body string, err error) {
	var tmpl *template.Template
	switch n.Type {
	case protocol.AlertTypeTriggered:
		subject = fmt.Sprintf("[aqgrid] ALERT %s %s exceeded (%s)", n.Method, n.Metric, n.RunID)
		tmpl = triggeredTemplate
	case protocol.AlertTypeCleared:
		subject = fmt.Sprintf("[aqgrid] CLEARED %s %s", n.Method, n.Metric)
		tmpl = clearedTemplate
	default:
		return "", "", fmt.Errorf("unknown notification type: %s", n.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, n); err != nil {
		return "", "", fmt.Errorf("failed to render email template: %w", err)
	}
	return subject, buf.String(), nil
}

// SendAlertNotification sends an email for an alert notification
func (e *EmailNotifier) SendAlertNotification(n *protocol.AlertNotification) error {
	subject, body, err := Render(n)
	if err != nil {
		return err
	}
	return e.sendEmail(subject, body)
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	if e.config.Username == "" || e.config.Password == "" {
		e.log.Info("SMTP not configured, skipping email", "subject", subject, "body", body)
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.log.Info("email sent", "subject", subject)
	return nil
}

// TestConnection tests the SMTP connection
func (e *EmailNotifier) TestConnection() error {
	if e.config.Username == "" {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()
	return nil
}
