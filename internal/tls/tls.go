// Package tls supplies certificates for the HTTPS API listener, from PEM
// files or from Let's Encrypt.
package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/foxzi/listsync/internal/config"
)

// RenewalWindow is how close to expiry a certificate is reported as due
const RenewalWindow = 30 * 24 * time.Hour

// CertificateInfo describes a served certificate
type CertificateInfo struct {
	Domain    string
	Issuer    string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
	DaysLeft  int
}

// DueForRenewal reports whether the certificate expires within RenewalWindow
func (c CertificateInfo) DueForRenewal() bool {
	return time.Until(c.NotAfter) < RenewalWindow
}

// Provider holds the listener TLS configuration
type Provider struct {
	tlsConfig *tls.Config
	manager   *autocert.Manager
	domains   []string
	certFile  string
}

// New builds a provider from configuration. It returns nil when TLS is
// not configured.
func New(cfg config.TLSConfig) (*Provider, error) {
	if cfg.ACME.Enabled {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      cfg.ACME.Email,
			HostPolicy: autocert.HostWhitelist(cfg.ACME.Domains...),
			Cache:      autocert.DirCache(cfg.ACME.CacheDir),
		}
		tlsConfig := m.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12

		return &Provider{tlsConfig: tlsConfig, manager: m, domains: cfg.ACME.Domains}, nil
	}

	if cfg.CertFile == "" {
		return nil, nil
	}

	tlsConfig, err := LoadCertificate(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return &Provider{tlsConfig: tlsConfig, certFile: cfg.CertFile}, nil
}

// TLSConfig returns the server TLS configuration
func (p *Provider) TLSConfig() *tls.Config {
	return p.tlsConfig
}

// ACME reports whether certificates come from Let's Encrypt
func (p *Provider) ACME() bool {
	return p.manager != nil
}

// ChallengeHandler answers HTTP-01 challenges and hands other requests to
// fallback. A nil fallback redirects to HTTPS.
func (p *Provider) ChallengeHandler(fallback http.Handler) http.Handler {
	if p.manager == nil {
		return fallback
	}
	return p.manager.HTTPHandler(fallback)
}

// Obtain fetches or renews the certificate of every ACME domain. The
// challenge handler must already be listening.
func (p *Provider) Obtain(ctx context.Context) ([]CertificateInfo, error) {
	if p.manager == nil {
		return nil, errors.New("ACME is not enabled")
	}

	var results []CertificateInfo
	for _, domain := range p.domains {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		cert, err := p.manager.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
		if err != nil {
			return results, fmt.Errorf("failed to obtain certificate for %s: %w", domain, err)
		}
		info, err := describe(domain, cert)
		if err != nil {
			return results, err
		}
		results = append(results, *info)
	}
	return results, nil
}

// Certificates reports the certificates the listener serves without
// contacting Let's Encrypt. ACME domains missing from the cache are skipped.
func (p *Provider) Certificates(ctx context.Context) ([]CertificateInfo, error) {
	if p.manager == nil {
		info, err := ReadCertificateInfo(p.certFile)
		if err != nil {
			return nil, err
		}
		return []CertificateInfo{*info}, nil
	}

	var results []CertificateInfo
	for _, domain := range p.domains {
		data, err := p.manager.Cache.Get(ctx, domain)
		if errors.Is(err, autocert.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return results, fmt.Errorf("failed to read cached certificate for %s: %w", domain, err)
		}

		// autocert stores the key and the chain in one PEM file
		cert, err := tls.X509KeyPair(data, data)
		if err != nil {
			continue
		}
		info, err := describe(domain, &cert)
		if err != nil {
			continue
		}
		results = append(results, *info)
	}
	return results, nil
}

func describe(domain string, cert *tls.Certificate) (*CertificateInfo, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return nil, fmt.Errorf("empty certificate for %s", domain)
		}
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate for %s: %w", domain, err)
		}
	}
	info := infoFromLeaf(leaf)
	info.Domain = domain
	return info, nil
}

func infoFromLeaf(leaf *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		Domain:    leaf.Subject.CommonName,
		Issuer:    leaf.Issuer.CommonName,
		DNSNames:  leaf.DNSNames,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		DaysLeft:  int(time.Until(leaf.NotAfter).Hours() / 24),
	}
}

// LoadCertificate loads a TLS certificate from PEM files
func LoadCertificate(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ReadCertificateInfo reads the first certificate of a PEM file
func ReadCertificateInfo(certFile string) (*CertificateInfo, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return infoFromLeaf(leaf), nil
}
