package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

// Manager produces the TLS configuration for the HTTPS listener: Let's
// Encrypt via autocert in production, static cert files when provided, or
// an in-memory self-signed cert for local development.
type Manager struct {
	config      *config.Config
	certManager *autocert.Manager
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{config: cfg}
	if cfg.Server.AutoCert {
		m.certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.Domain),
			Cache:      autocert.DirCache(cfg.Server.AutoCertDir),
			Email:      cfg.Server.Email,
		}
	}
	return m
}

// TLSConfig returns the listener configuration for the configured mode.
func (m *Manager) TLSConfig() (*stdtls.Config, error) {
	if m.certManager != nil {
		util.Info("TLS via autocert", util.String("domain", m.config.Server.Domain))
		return m.certManager.TLSConfig(), nil
	}

	if m.config.Server.CertFile != "" && m.config.Server.KeyFile != "" {
		cert, err := stdtls.LoadX509KeyPair(m.config.Server.CertFile, m.config.Server.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		return &stdtls.Config{
			Certificates: []stdtls.Certificate{cert},
			MinVersion:   stdtls.VersionTLS12,
		}, nil
	}

	if m.config.IsProduction() {
		return nil, fmt.Errorf("production TLS requires autocert or certificate files")
	}

	cert, err := selfSignedCert(m.config.Server.Domain)
	if err != nil {
		return nil, err
	}
	util.Warn("using self-signed certificate, development only")
	return &stdtls.Config{
		Certificates: []stdtls.Certificate{cert},
		MinVersion:   stdtls.VersionTLS12,
	}, nil
}

// ChallengeManager returns the autocert manager, or nil outside autocert
// mode. Callers mount its HTTPHandler on the port-80 listener.
func (m *Manager) ChallengeManager() *autocert.Manager {
	return m.certManager
}

func selfSignedCert(host string) (stdtls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return stdtls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return stdtls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"auth-gateway dev"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host, "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return stdtls.Certificate{}, err
	}

	return stdtls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
