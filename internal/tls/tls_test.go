package tls

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/listsync/internal/config"
)

// writeTestCertificate writes a self-signed localhost certificate valid for ttl
func writeTestCertificate(t *testing.T, ttl time.Duration) (certFile, keyFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		Issuer:                pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(ttl),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestLoadCertificate(t *testing.T) {
	certFile, keyFile := writeTestCertificate(t, 24*time.Hour)

	t.Run("valid certificate", func(t *testing.T) {
		cfg, err := LoadCertificate(certFile, keyFile)
		if err != nil {
			t.Fatalf("unexpected error loading valid certificate: %v", err)
		}
		if len(cfg.Certificates) != 1 {
			t.Errorf("got %d certificates, want 1", len(cfg.Certificates))
		}
	})

	t.Run("non-existent cert file", func(t *testing.T) {
		if _, err := LoadCertificate("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
			t.Error("expected error for non-existent files")
		}
	})

	t.Run("invalid cert", func(t *testing.T) {
		invalid := filepath.Join(t.TempDir(), "invalid.pem")
		if err := os.WriteFile(invalid, []byte("invalid"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCertificate(invalid, keyFile); err == nil {
			t.Error("expected error for invalid certificate")
		}
	})
}

func TestReadCertificateInfo(t *testing.T) {
	certFile, _ := writeTestCertificate(t, 10*24*time.Hour)

	info, err := ReadCertificateInfo(certFile)
	if err != nil {
		t.Fatalf("ReadCertificateInfo() error = %v", err)
	}
	if info.Domain != "localhost" || len(info.DNSNames) != 1 {
		t.Errorf("info = %+v", info)
	}
	if info.DaysLeft < 9 || info.DaysLeft > 10 {
		t.Errorf("DaysLeft = %d, want 9 or 10", info.DaysLeft)
	}
	if !info.DueForRenewal() {
		t.Error("DueForRenewal() = false for a certificate expiring in 10 days")
	}

	if _, err := ReadCertificateInfo(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestNewDisabled(t *testing.T) {
	p, err := New(config.TLSConfig{})
	if err != nil || p != nil {
		t.Errorf("New() = %v, %v, want nil provider", p, err)
	}
}

func TestNewWithFiles(t *testing.T) {
	certFile, keyFile := writeTestCertificate(t, 90*24*time.Hour)

	p, err := New(config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.ACME() {
		t.Error("ACME() = true for file certificates")
	}
	if p.TLSConfig().MinVersion != stdtls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", p.TLSConfig().MinVersion)
	}

	certs, err := p.Certificates(context.Background())
	if err != nil || len(certs) != 1 {
		t.Fatalf("Certificates() = %v, %v", certs, err)
	}
	if certs[0].DueForRenewal() {
		t.Error("fresh 90-day certificate reported as due")
	}

	if _, err := p.Obtain(context.Background()); err == nil {
		t.Error("Obtain() expected error without ACME")
	}
}

func TestNewWithACME(t *testing.T) {
	p, err := New(config.TLSConfig{ACME: config.ACMEConfig{
		Enabled:  true,
		Email:    "admin@example.com",
		Domains:  []string{"forms.example.com"},
		CacheDir: t.TempDir(),
	}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !p.ACME() || p.TLSConfig().GetCertificate == nil {
		t.Fatal("ACME provider without GetCertificate")
	}

	// Nothing cached yet
	certs, err := p.Certificates(context.Background())
	if err != nil || len(certs) != 0 {
		t.Errorf("Certificates() = %v, %v, want none", certs, err)
	}

	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	w := httptest.NewRecorder()
	p.ChallengeHandler(fallback).ServeHTTP(w, httptest.NewRequest("GET", "http://forms.example.com/health", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("non-challenge Status = %d, want fallback", w.Code)
	}
}
