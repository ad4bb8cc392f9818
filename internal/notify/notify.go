// Package notify e-mails administrators about mailing-list failures.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/listsync/internal/dkim"
	"github.com/foxzi/listsync/internal/metrics"
)

// TLS modes for the relay connection
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Notifier sends administrator notifications. Notify never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// Options configures the SMTP relay and the message envelope
type Options struct {
	Host          string
	Port          int
	Username      string
	Password      string
	TLS           string
	TLSSkipVerify bool
	HeloName      string
	From          string
	To            []string
	SubjectPrefix string
	Timeout       time.Duration
}

// Mailer sends notifications through an SMTP relay
type Mailer struct {
	opts   Options
	signer *dkim.Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewMailer creates a mailer. A nil signer sends unsigned mail.
func NewMailer(opts Options, signer *dkim.Signer, logger *slog.Logger) *Mailer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.TLS == "" {
		opts.TLS = TLSStartTLS
	}
	if opts.HeloName == "" {
		opts.HeloName = "localhost"
	}
	return &Mailer{
		opts:   opts,
		signer: signer,
		logger: logger,
		now:    time.Now,
	}
}

// Notify sends the message to every admin address and logs failures
func (m *Mailer) Notify(ctx context.Context, subject, body string) {
	if err := m.Send(ctx, subject, body); err != nil {
		metrics.IncNotifications("error")
		m.logger.Error("failed to send admin notification", "subject", subject, "error", err)
		return
	}
	metrics.IncNotifications("sent")
	m.logger.Info("admin notification sent", "subject", subject, "recipients", len(m.opts.To))
}

// Send builds, signs and relays one message
func (m *Mailer) Send(ctx context.Context, subject, body string) error {
	if len(m.opts.To) == 0 {
		return fmt.Errorf("no admin recipients configured")
	}

	msg, err := m.buildMessage(subject, body)
	if err != nil {
		return err
	}

	if m.signer != nil {
		signed, err := m.signer.Sign(msg)
		if err != nil {
			return err
		}
		msg = signed
	}

	return m.deliver(ctx, msg)
}

func (m *Mailer) buildMessage(subject, body string) ([]byte, error) {
	if m.opts.SubjectPrefix != "" {
		subject = m.opts.SubjectPrefix + subject
	}

	domain := "localhost"
	if i := strings.LastIndex(m.opts.From, "@"); i >= 0 {
		domain = m.opts.From[i+1:]
	}

	var buf bytes.Buffer
	headers := []struct{ key, value string }{
		{"From", m.opts.From},
		{"To", strings.Join(m.opts.To, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"Date", m.now().Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=utf-8"},
		{"Content-Transfer-Encoding", "8bit"},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.key, h.value)
	}
	buf.WriteString("\r\n")

	body = strings.ReplaceAll(body, "\r\n", "\n")
	for _, line := range strings.Split(body, "\n") {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	return buf.Bytes(), nil
}

func (m *Mailer) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))

	dialer := &net.Dialer{Timeout: m.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connection failed to %s: %w", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(m.opts.Timeout)
	}
	conn.SetDeadline(deadline)

	tlsConfig := &tls.Config{
		ServerName:         m.opts.Host,
		InsecureSkipVerify: m.opts.TLSSkipVerify,
	}

	var c *smtp.Client
	switch m.opts.TLS {
	case TLSImplicit:
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	case TLSStartTLS:
		// Greets the relay and upgrades before anything else is sent
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	default:
		c = smtp.NewClient(conn)
	}
	defer c.Close()

	if m.opts.TLS != TLSStartTLS {
		if err := c.Hello(m.opts.HeloName); err != nil {
			return fmt.Errorf("HELO failed: %w", err)
		}
	}

	if m.opts.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", m.opts.Username, m.opts.Password)); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := c.SendMail(m.opts.From, m.opts.To, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}

	return c.Quit()
}

// Discard is a Notifier used when notifications are disabled
type Discard struct {
	Logger *slog.Logger
}

// Notify logs the notification at debug level
func (d Discard) Notify(ctx context.Context, subject, body string) {
	if d.Logger != nil {
		d.Logger.Debug("admin notification dropped, notifications disabled", "subject", subject)
	}
}
