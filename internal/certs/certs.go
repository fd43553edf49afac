// Package certs resolves the TLS server certificate offered on the STARTTLS
// and implicit-TLS endpoints: an externally obtained certificate when a
// source is configured, a certificate file (PKCS#12 or PEM), or a generated
// self-signed fallback.
package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// expiryWarningWindow is how close to expiry a loaded certificate may be
// before a warning is logged.
const expiryWarningWindow = 30 * 24 * time.Hour

// Source obtains a certificate from an external collaborator, for example an
// ACME client. It is consulted before any configured certificate file.
type Source interface {
	ObtainCertificate(ctx context.Context, domain string) (*tls.Certificate, error)
}

// RenewalNotifier is implemented by sources that renew certificates in the
// background. Each value received signals that the server should restart to
// pick up the renewed certificate.
type RenewalNotifier interface {
	Renewals() <-chan struct{}
}

// Config controls certificate resolution.
type Config struct {
	// Enabled gates TLS entirely. When false, GetCertificate returns nil.
	Enabled bool

	// Domain is the hostname requested from the external Source, when set.
	Domain string

	// Source is the external certificate collaborator. Optional.
	Source Source

	// CertificatePath points at a PKCS#12 (.pfx/.p12) bundle or a PEM file
	// containing both certificate and key. Optional.
	CertificatePath string

	// CertificatePassword decrypts the PKCS#12 bundle or an encrypted PEM key.
	CertificatePassword string

	// ServerName is included in the self-signed certificate's SANs.
	ServerName string
}

// Provider resolves and caches a TLS certificate. The first successful
// resolution is reused for the process lifetime; picking up a rotated
// certificate requires a server restart.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	cached *tls.Certificate
}

// NewProvider creates a certificate Provider for the given configuration.
func NewProvider(cfg Config) *Provider {
	if cfg.ServerName == "" {
		cfg.ServerName = "localhost"
	}
	return &Provider{cfg: cfg}
}

// GetCertificate resolves the server certificate. It returns (nil, nil) when
// TLS is disabled. A load failure for an explicitly configured certificate is
// an error; callers must treat it as fatal for the endpoint.
func (p *Provider) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Enabled {
		return nil, nil
	}
	if p.cached != nil {
		return p.cached, nil
	}

	cert, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	p.cached = cert
	return cert, nil
}

// Invalidate drops the cached certificate so the next GetCertificate
// resolves again. Called on server restart after a certificate rotation.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// Renewals returns the source's renewal channel when the configured source
// renews in the background, or nil otherwise. Receiving from a nil channel
// blocks forever, so callers can range over the result unconditionally.
func (p *Provider) Renewals() <-chan struct{} {
	if n, ok := p.cfg.Source.(RenewalNotifier); ok {
		return n.Renewals()
	}
	return nil
}

func (p *Provider) resolve(ctx context.Context) (*tls.Certificate, error) {
	if p.cfg.Source != nil && p.cfg.Domain != "" {
		cert, err := p.cfg.Source.ObtainCertificate(ctx, p.cfg.Domain)
		if err == nil && cert != nil {
			slog.Info("using externally obtained certificate", "domain", p.cfg.Domain)
			return cert, nil
		}
		slog.Warn("external certificate source failed, falling back",
			"domain", p.cfg.Domain,
			"error", err,
		)
	}

	if p.cfg.CertificatePath != "" {
		cert, err := loadCertificateFile(p.cfg.CertificatePath, p.cfg.CertificatePassword)
		if err != nil {
			slog.Error("failed to load configured certificate",
				"path", p.cfg.CertificatePath,
				"error", err,
			)
			return nil, fmt.Errorf("failed to load certificate %s: %w", p.cfg.CertificatePath, err)
		}
		logCertificateDetails(cert)
		return cert, nil
	}

	slog.Info("no certificate configured, generating self-signed certificate",
		"server_name", p.cfg.ServerName,
	)
	cert, err := GenerateSelfSigned(p.cfg.ServerName)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return cert, nil
}

// loadCertificateFile loads a certificate and key from a single file,
// dispatching on extension: .pfx/.p12 are decoded as PKCS#12, everything else
// as PEM.
func loadCertificateFile(path, password string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pfx", ".p12":
		return loadPKCS12(data, password)
	default:
		return loadPEM(data, password)
	}
}

func loadPKCS12(data []byte, password string) (*tls.Certificate, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 bundle: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// loadPEM parses a PEM file containing one or more CERTIFICATE blocks and a
// private key block, decrypting the key with the given password if needed.
func loadPEM(data []byte, password string) (*tls.Certificate, error) {
	var certPEM, keyPEM []byte

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			//nolint:staticcheck // legacy encrypted PEM keys are still in the wild
			if x509.IsEncryptedPEMBlock(block) {
				der, err := x509.DecryptPEMBlock(block, []byte(password))
				if err != nil {
					return nil, fmt.Errorf("failed to decrypt private key: %w", err)
				}
				block = &pem.Block{Type: block.Type, Bytes: der}
			}
			keyPEM = pem.EncodeToMemory(block)
		}
	}

	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, fmt.Errorf("PEM file must contain both a certificate and a private key")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble key pair: %w", err)
	}
	return &cert, nil
}

// logCertificateDetails logs the loaded certificate's subject and expiry and
// warns when it is expired or expiring soon.
func logCertificateDetails(cert *tls.Certificate) {
	leaf := cert.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return
		}
		leaf = parsed
		cert.Leaf = parsed
	}

	slog.Info("loaded certificate",
		"subject", leaf.Subject.String(),
		"not_after", leaf.NotAfter,
	)

	now := time.Now()
	switch {
	case now.After(leaf.NotAfter):
		slog.Warn("certificate has expired", "not_after", leaf.NotAfter)
	case now.Add(expiryWarningWindow).After(leaf.NotAfter):
		slog.Warn("certificate expires soon",
			"not_after", leaf.NotAfter,
			"remaining", leaf.NotAfter.Sub(now).Round(time.Hour),
		)
	}
}

// GenerateSelfSigned generates an in-memory RSA-2048 self-signed certificate
// valid for 1 year, with SANs covering the server name, localhost, and the
// loopback addresses. It exists only so the server can still offer STARTTLS
// when no real certificate is available.
func GenerateSelfSigned(serverName string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	dnsNames := []string{"localhost"}
	if serverName != "" && serverName != "localhost" {
		dnsNames = append([]string{serverName}, dnsNames...)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: serverName,
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),

		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames:    dnsNames,
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509 key pair: %w", err)
	}

	return &cert, nil
}

// TLSConfig wraps a resolved certificate in a server tls.Config. Returns nil
// when cert is nil.
func TLSConfig(cert *tls.Certificate) *tls.Config {
	if cert == nil {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
}
