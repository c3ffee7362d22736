// Package email submits notification emails over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/coraldesk/coraldesk/internal/services/notifications/delivery"
)

// AddressResolver maps a recipient to an email address inside the tenant
// directory. An empty address with a nil error means the user has no
// deliverable address and the send is skipped.
type AddressResolver interface {
	EmailAddress(ctx context.Context, companyID string, userID string) (string, error)
}

// Config carries the SMTP relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS upgrades the connection before authenticating.
	StartTLS bool
}

// Mailer composes and submits one email per notification.
type Mailer struct {
	resolver AddressResolver
	cfg      Config
}

// NewMailer wires a Mailer over the address resolver and relay config.
func NewMailer(resolver AddressResolver, cfg Config) (*Mailer, error) {
	if resolver == nil {
		return nil, fmt.Errorf("address resolver is required")
	}
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &Mailer{resolver: resolver, cfg: cfg}, nil
}

// SendNotificationEmail resolves the recipient address, composes the
// message, and submits it to the relay. Recipients without an address are
// skipped silently.
func (m *Mailer) SendNotificationEmail(ctx context.Context, userID string, companyID string, view delivery.NotificationView) error {
	address, err := m.resolver.EmailAddress(ctx, companyID, userID)
	if err != nil {
		return fmt.Errorf("resolve recipient address: %w", err)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}

	message, err := buildMessage(m.cfg.From, address, view)
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}
	if err := m.submit(ctx, address, message); err != nil {
		return fmt.Errorf("submit message: %w", err)
	}
	return nil
}

// buildMessage renders one notification as a single-part plain-text email.
func buildMessage(from string, to string, view delivery.NotificationView) ([]byte, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, fmt.Errorf("from and to addresses are required")
	}

	subject := strings.TrimSpace(view.Title)
	if subject == "" {
		subject = "Helpdesk notification"
	}
	if code := strings.TrimSpace(view.TicketCode); code != "" {
		subject = fmt.Sprintf("[%s] %s", code, subject)
	}

	var header mail.Header
	header.SetDate(time.Now().UTC())
	header.SetAddressList("From", []*mail.Address{{Address: from}})
	header.SetAddressList("To", []*mail.Address{{Address: to}})
	header.SetSubject(subject)

	var buf bytes.Buffer
	writer, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	body := strings.TrimSpace(view.Message)
	if body == "" {
		body = subject
	}
	if _, err := io.WriteString(writer, body+"\r\n"); err != nil {
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// submit performs the SMTP transaction. The dial honors ctx so a slow
// relay cannot stall the delivery pipeline past its deadline.
func (m *Mailer) submit(ctx context.Context, to string, message []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open smtp session: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if m.cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("start tls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}
