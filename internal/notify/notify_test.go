package notify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/listsync/internal/dkim"
)

type received struct {
	from     string
	to       []string
	data     string
	authUser string
}

// relayBackend is an in-process SMTP relay recording delivered messages
type relayBackend struct {
	mu       sync.Mutex
	messages []received
	password string
}

func (b *relayBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{backend: b}, nil
}

func (b *relayBackend) all() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type relaySession struct {
	backend *relayBackend
	msg     received
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != s.backend.password {
			return smtp.ErrAuthFailed
		}
		s.msg.authUser = username
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	s.msg.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.msg.to = append(s.msg.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.data = string(data)
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *relaySession) Reset() {
	s.msg = received{authUser: s.msg.authUser}
}

func (s *relaySession) Logout() error {
	return nil
}

func startRelay(t *testing.T) (*relayBackend, string, int) {
	t.Helper()
	return startRelayTLS(t, nil)
}

// startRelayTLS starts a relay that offers STARTTLS when tlsConfig is set
func startRelayTLS(t *testing.T, tlsConfig *tls.Config) (*relayBackend, string, int) {
	t.Helper()

	be := &relayBackend{password: "secret"}
	srv := smtp.NewServer(be)
	srv.Domain = "relay.test"
	srv.AllowInsecureAuth = tlsConfig == nil
	srv.TLSConfig = tlsConfig
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return be, "127.0.0.1", addr.Port
}

// selfSignedTLS returns a server config with a throwaway certificate for 127.0.0.1
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMailer_Send(t *testing.T) {
	be, host, port := startRelay(t)

	m := NewMailer(Options{
		Host:          host,
		Port:          port,
		Username:      "listsync",
		Password:      "secret",
		TLS:           TLSNone,
		From:          "listsync@example.org",
		To:            []string{"admin@example.org", "ops@example.org"},
		SubjectPrefix: "[listsync] ",
	}, nil, discardLogger())

	if err := m.Send(context.Background(), "Error adding user to mailing list", "mailchimp: 400 Invalid Resource\nline two"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := be.all()
	if len(msgs) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.from != "listsync@example.org" || len(got.to) != 2 {
		t.Errorf("envelope = %s -> %v", got.from, got.to)
	}
	if got.authUser != "listsync" {
		t.Errorf("authUser = %q, want listsync", got.authUser)
	}
	for _, want := range []string{
		"Subject: [listsync] Error adding user to mailing list\r\n",
		"To: admin@example.org, ops@example.org\r\n",
		"\r\n\r\nmailchimp: 400 Invalid Resource\r\nline two\r\n",
	} {
		if !strings.Contains(got.data, want) {
			t.Errorf("message lacks %q:\n%s", want, got.data)
		}
	}
}

func TestMailer_SendStartTLS(t *testing.T) {
	be, host, port := startRelayTLS(t, selfSignedTLS(t))

	m := NewMailer(Options{
		Host:          host,
		Port:          port,
		Username:      "listsync",
		Password:      "secret",
		TLS:           TLSStartTLS,
		TLSSkipVerify: true,
		From:          "listsync@example.org",
		To:            []string{"admin@example.org"},
		Timeout:       5 * time.Second,
	}, nil, discardLogger())

	if err := m.Send(context.Background(), "Error adding user to mailing list", "mailchimp: 503 Service Unavailable"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := be.all()
	if len(msgs) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(msgs))
	}
	if msgs[0].authUser != "listsync" {
		t.Errorf("authUser = %q, want listsync", msgs[0].authUser)
	}
	if !strings.Contains(msgs[0].data, "mailchimp: 503 Service Unavailable") {
		t.Errorf("message body missing error text:\n%s", msgs[0].data)
	}
}

func TestMailer_StartTLSNotOffered(t *testing.T) {
	be, host, port := startRelay(t)

	m := NewMailer(Options{
		Host:    host,
		Port:    port,
		TLS:     TLSStartTLS,
		From:    "listsync@example.org",
		To:      []string{"admin@example.org"},
		Timeout: 5 * time.Second,
	}, nil, discardLogger())

	if err := m.Send(context.Background(), "subject", "body"); err == nil {
		t.Fatal("Send() expected error when the relay does not offer STARTTLS")
	}
	if n := len(be.all()); n != 0 {
		t.Errorf("relay received %d messages over plain text, want 0", n)
	}
}

func TestMailer_SendSigned(t *testing.T) {
	be, host, port := startRelay(t)

	kp, err := dkim.GenerateKey("example.org", "listsync", 1024)
	if err != nil {
		t.Fatal(err)
	}

	m := NewMailer(Options{
		Host: host,
		Port: port,
		TLS:  TLSNone,
		From: "listsync@example.org",
		To:   []string{"admin@example.org"},
	}, kp.Signer(), discardLogger())

	if err := m.Send(context.Background(), "Error adding user to mailing list", "boom"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := be.all()
	if len(msgs) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(msgs))
	}
	if domain, err := dkim.Verify([]byte(msgs[0].data), kp.DNSRecord()); err != nil || domain != "example.org" {
		t.Errorf("Verify() = %q, %v", domain, err)
	}
}

func TestMailer_AuthFailure(t *testing.T) {
	be, host, port := startRelay(t)

	m := NewMailer(Options{
		Host:     host,
		Port:     port,
		Username: "listsync",
		Password: "wrong",
		TLS:      TLSNone,
		From:     "listsync@example.org",
		To:       []string{"admin@example.org"},
	}, nil, discardLogger())

	if err := m.Send(context.Background(), "subject", "body"); err == nil {
		t.Error("Send() expected authentication error")
	}

	// Notify swallows the error
	m.Notify(context.Background(), "subject", "body")
	if len(be.all()) != 0 {
		t.Error("message delivered despite failed authentication")
	}
}

func TestMailer_NoRecipients(t *testing.T) {
	m := NewMailer(Options{Host: "127.0.0.1", Port: 1, From: "a@example.org"}, nil, discardLogger())
	if err := m.Send(context.Background(), "s", "b"); err == nil || !strings.Contains(err.Error(), "no admin recipients") {
		t.Errorf("Send() error = %v", err)
	}
}

func TestMailer_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	m := NewMailer(Options{Host: "127.0.0.1", Port: port, TLS: TLSNone, From: "a@example.org", To: []string{"b@example.org"}, Timeout: time.Second}, nil, discardLogger())
	err = m.Send(context.Background(), "s", "b")
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("Send() error = %v, want a dial error", err)
	}
}
