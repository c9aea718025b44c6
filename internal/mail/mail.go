// Package mail is the Alert Dispatcher's narrow outbound-mail
// collaborator. No example repo in the reference corpus ships a
// third-party transactional-mail client, so the concrete implementation
// is a thin adapter over net/smtp rather than a fabricated dependency.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"attestd/internal/config"
)

// Mailer sends a single plain-text message. Implementations must be
// safe for concurrent use; the Alert Dispatcher calls Send from its
// single ticking goroutine, but tests and future callers should not
// have to assume that stays true.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer submits mail via net/smtp against a configured relay.
type SMTPMailer struct {
	cfg    config.SMTPConfig
	dialer func(addr string) (*smtp.Client, error)
}

// New creates an SMTPMailer for cfg, using smtp.Dial as its transport.
func New(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg: cfg,
		dialer: func(addr string) (*smtp.Client, error) {
			return smtp.Dial(addr)
		},
	}
}

// Send submits one message. It blocks on the SMTP conversation; ctx is
// not consulted, so its deadline does not interrupt a stalled relay.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	c, err := m.dialer(addr)
	if err != nil {
		return fmt.Errorf("dial smtp relay: %w", err)
	}
	defer c.Close()

	if m.cfg.UseTLS {
		if err := c.StartTLS(nil); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	msg := composeMessage(m.cfg.From, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	return c.Quit()
}

func composeMessage(from, to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return b.String()
}
