// Package notify implements the mail-sender and external-webhook fire-and-
// forget tasks spec.md §5 names as the third suspension-point category
// (outbound HTTP/mail), spawned from request handlers and never holding the
// response.
package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sentc-io/sentc/server/internal/config"
)

// Mailer sends plain-text operational email via SMTP. There is no settings
// table to reload from — configuration is the process-wide config.Config
// loaded once at startup, per spec.md §6.3.
type Mailer struct {
	host, user, password, from string
	port                       int
	tls                        bool
}

// NewMailer builds a Mailer from process configuration. TLS is selected by
// port: 465 dials implicit TLS, everything else uses smtp.SendMail's
// plaintext/STARTTLS negotiation.
func NewMailer(cfg config.Config) *Mailer {
	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		user:     cfg.SMTPUser,
		password: cfg.SMTPPassword,
		from:     cfg.SMTPFrom,
		tls:      cfg.SMTPPort == 465,
	}
}

// Send delivers a plain-text email to every address in to. A Mailer with no
// configured host is a no-op — SMTP is optional, matching spec.md's
// out-of-scope treatment of the mailer as an external collaborator.
func (m *Mailer) Send(to []string, subject, body string) error {
	if m.host == "" || len(to) == 0 {
		return nil
	}

	msg := buildEmail(m.from, to, subject, body)
	addr := net.JoinHostPort(m.host, fmt.Sprintf("%d", m.port))

	if m.tls {
		return m.sendTLS(addr, to, msg)
	}
	return m.sendPlain(addr, to, msg)
}

func (m *Mailer) sendPlain(addr string, to []string, msg []byte) error {
	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.password, m.host)
	}
	if err := smtp.SendMail(addr, auth, m.from, to, msg); err != nil {
		return fmt.Errorf("notify: smtp.SendMail: %w", err)
	}
	return nil
}

func (m *Mailer) sendTLS(addr string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return fmt.Errorf("notify: tls.Dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		return fmt.Errorf("notify: smtp.NewClient: %w", err)
	}
	defer client.Close()

	if m.user != "" {
		if err := client.Auth(smtp.PlainAuth("", m.user, m.password, m.host)); err != nil {
			return fmt.Errorf("notify: smtp auth: %w", err)
		}
	}
	if err := client.Mail(m.from); err != nil {
		return fmt.Errorf("notify: MAIL FROM: %w", err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("notify: RCPT TO %s: %w", r, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("notify: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notify: close DATA: %w", err)
	}
	return client.Quit()
}

func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
