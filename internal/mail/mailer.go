// Package mail sends the plain-text notification emails the service
// produces (OTP codes). Delivery is best effort: callers log failures and
// carry on.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Encryption selects how the SMTP connection is secured.
type Encryption string

const (
	EncryptionNone     Encryption = "NONE"
	EncryptionStartTLS Encryption = "STARTTLS"
	EncryptionTLS      Encryption = "SSL/TLS"
)

// Sender delivers a message to a single recipient. Implementations must
// respect the context deadline.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTP is a Sender backed by a plain SMTP account.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Enc      Encryption
}

// NewSMTP builds an SMTP sender. Unknown encryption values fall back to
// STARTTLS, which is what common providers expect on port 587.
func NewSMTP(host string, port int, username, password, from, enc string) *SMTP {
	mode := Encryption(strings.ToUpper(strings.TrimSpace(enc)))
	if mode != EncryptionNone && mode != EncryptionStartTLS && mode != EncryptionTLS {
		mode = EncryptionStartTLS
	}
	return &SMTP{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Enc:      mode,
	}
}

// Configured reports whether a host was supplied at all.
func (s *SMTP) Configured() bool {
	return s != nil && s.Host != ""
}

func (s *SMTP) Send(ctx context.Context, to, subject, body string) error {
	if !s.Configured() {
		return fmt.Errorf("mail: transport not configured")
	}

	dialer := net.Dialer{Timeout: 15 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Timeout = time.Until(deadline)
		if dialer.Timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	msg := s.message(to, subject, body)

	var (
		client *smtp.Client
		err    error
	)
	if s.Enc == EncryptionTLS {
		conn, dialErr := tls.DialWithDialer(&dialer, "tcp", addr, &tls.Config{ServerName: s.Host})
		if dialErr != nil {
			return fmt.Errorf("mail: tls dial: %w", dialErr)
		}
		client, err = smtp.NewClient(conn, s.Host)
	} else {
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("mail: dial: %w", dialErr)
		}
		client, err = smtp.NewClient(conn, s.Host)
	}
	if err != nil {
		return fmt.Errorf("mail: new client: %w", err)
	}
	defer client.Quit()

	if s.Enc == EncryptionStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
				return fmt.Errorf("mail: starttls: %w", err)
			}
		}
	}
	if s.Username != "" {
		auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("mail: auth: %w", err)
		}
	}
	if err := client.Mail(s.From); err != nil {
		return fmt.Errorf("mail: MAIL FROM: %w", err)
	}
	if err := client.Rcpt(strings.TrimSpace(to)); err != nil {
		return fmt.Errorf("mail: RCPT TO: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("mail: DATA: %w", err)
	}
	if _, err := writer.Write(msg); err != nil {
		_ = writer.Close()
		return fmt.Errorf("mail: write body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("mail: close data: %w", err)
	}
	return nil
}

func (s *SMTP) message(to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
