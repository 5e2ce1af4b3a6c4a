package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

// Mailer sends a prepared RFC 5322 message.
type Mailer interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Email renders and sends notifications over SMTP.
type Email struct {
	contacts  repository.ContactStore
	templates *Templates
	mailer    Mailer
	from      string
	now       func() time.Time
}

// NewEmail creates the email adapter.
func NewEmail(contacts repository.ContactStore, templates *Templates, mailer Mailer, from string) *Email {
	return &Email{contacts: contacts, templates: templates, mailer: mailer, from: from, now: time.Now}
}

func (a *Email) Deliver(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result {
	contacts, res := lookupContacts(ctx, a.contacts, n.UserID)
	if res != nil {
		return *res
	}
	if contacts.Email == "" {
		return Permanent("no email address")
	}
	to, err := mail.ParseAddress(contacts.Email)
	if err != nil {
		return Permanent("invalid email address: %v", err)
	}

	msg, err := a.templates.Render(n, domain.ChannelEmail)
	if err != nil {
		return Permanent("%v", err)
	}

	raw := buildMessage(a.from, to.Address, msg, a.now())
	if err := a.mailer.Send(ctx, a.from, []string{to.Address}, raw); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code >= 500 {
			return Permanent("smtp rejected: %v", err)
		}
		return Transient("smtp: %v", err)
	}
	return Delivered()
}

func buildMessage(from, to string, msg Rendered, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return b.Bytes()
}

// SMTPMailer delivers through one SMTP relay, upgrading to TLS when the
// server offers STARTTLS.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Send dials the relay and sends msg. The context deadline bounds the whole
// conversation.
func (m *SMTPMailer) Send(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if m.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.Username, m.Password, m.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
