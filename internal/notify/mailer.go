// Package notify delivers outbound email. Its one production use is the
// code-share email a doctor sends to a colleague or patient; delivery is
// plain-text SMTP with optional TLS, and the package is a safe no-op when
// mail is not configured.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/carelink/carelink-backend/internal/config"
)

// Mailer sends a signup code to a recipient. Implemented by SMTPMailer and
// by test doubles.
type Mailer interface {
	SendCodeShare(ctx context.Context, toEmail, code, hospitalName string) error
}

// SMTPMailer delivers share emails through a configured SMTP server.
type SMTPMailer struct {
	cfg *config.NotificationsConfig

	// send is swappable so tests exercise message composition without a
	// live SMTP server.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates an SMTPMailer from the notifications config.
func NewSMTPMailer(cfg *config.NotificationsConfig) *SMTPMailer {
	m := &SMTPMailer{cfg: cfg}
	if cfg.SMTP.UseTLS {
		m.send = sendMailTLS
	} else {
		m.send = smtp.SendMail
	}
	return m
}

// Enabled reports whether the mailer can actually deliver. Callers check
// this before offering the share feature.
func (m *SMTPMailer) Enabled() bool {
	return m.cfg.Enabled && m.cfg.SMTP.Host != ""
}

// SendCodeShare composes and delivers the share email. The code value is the
// payload the recipient needs, so unlike audit data it is sent in the clear;
// the recipient address itself never appears anywhere but the SMTP envelope.
func (m *SMTPMailer) SendCodeShare(ctx context.Context, toEmail, code, hospitalName string) error {
	if !m.Enabled() {
		return fmt.Errorf("outbound mail is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("Your CareLink enrollment code for %s", hospitalName)
	body := strings.Join([]string{
		"Hello,",
		"",
		fmt.Sprintf("You have been invited to enroll with %s on CareLink.", hospitalName),
		"",
		fmt.Sprintf("Your enrollment code is: %s", code),
		"",
		"Enter this code during signup to link your account. The code may be",
		"limited in uses and time, so please enroll soon.",
		"",
		"If you were not expecting this invitation, you can ignore this email.",
		"",
		"— CareLink",
	}, "\r\n")

	smtpCfg := &m.cfg.SMTP
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\nDate: %s\r\n\r\n",
		smtpCfg.From, toEmail, subject, time.Now().UTC().Format(time.RFC1123Z),
	)
	msg := []byte(headers + body + "\r\n")

	addr := fmt.Sprintf("%s:%d", smtpCfg.Host, smtpCfg.Port)
	var auth smtp.Auth
	if smtpCfg.Username != "" {
		auth = smtp.PlainAuth("", smtpCfg.Username, smtpCfg.Password, smtpCfg.Host)
	}
	return m.send(addr, auth, smtpCfg.From, []string{toEmail}, msg)
}

// sendMailTLS connects over implicit TLS (SMTPS) and sends the message,
// falling back to the standard STARTTLS path when the implicit handshake is
// refused, so use_tls=true works against both port 465 and port 587 servers.
func sendMailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid smtp address %q: %w", addr, err)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Close()

	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt to: %w", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return c.Quit()
}
