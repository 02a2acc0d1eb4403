// Package certs issues a locally trusted server certificate for the engine API
// so phones on the LAN can reach it over HTTPS.
package certs

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
)

// Issuer creates a CA under caDir when missing, trusts it, and writes a
// certificate for hosts into outDir.
type Issuer func(caDir, outDir string, hosts []string) (certFile, keyFile string, err error)

// Manager keeps the server certificate in sync with the host's addresses.
type Manager struct {
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string

	hosts  func() ([]string, error)
	issue  Issuer
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHosts replaces LAN address discovery.
func WithHosts(fn func() ([]string, error)) Option {
	return func(m *Manager) { m.hosts = fn }
}

// WithIssuer replaces the truststore issuer.
func WithIssuer(fn Issuer) Option {
	return func(m *Manager) { m.issue = fn }
}

// NewManager returns a manager storing its files under dir.
func NewManager(dir string, opts ...Option) *Manager {
	tlsDir := filepath.Join(dir, "tls")
	caDir := filepath.Join(dir, "ca")
	m := &Manager{
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		hosts:      AllHosts,
		issue:      truststoreIssuer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureCertificates returns the certificate and key paths, issuing a new pair
// when none exists or the host's addresses changed. Installing the CA may
// prompt for the user's password.
func (m *Manager) EnsureCertificates() (certFile, keyFile string, err error) {
	if err := os.MkdirAll(m.tlsDir, 0o700); err != nil {
		return "", "", fmt.Errorf("create tls directory: %w", err)
	}

	hosts, err := m.hosts()
	if err != nil {
		m.logger.Warn("lan address discovery failed", "error", err)
		hosts = []string{"localhost", "127.0.0.1"}
	}

	switch {
	case !m.certsExist():
		m.logger.Info("issuing server certificate", "hosts", hosts)
	case m.hostsChanged(hosts):
		m.logger.Info("network changed, reissuing server certificate", "hosts", hosts)
	default:
		m.logger.Debug("using existing server certificate", "cert", m.certFile)
		return m.certFile, m.keyFile, nil
	}

	if err := m.generate(hosts); err != nil {
		return "", "", err
	}
	return m.certFile, m.keyFile, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil {
		return true
	}
	a := slices.Clone(cached)
	b := slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func (m *Manager) readCachedHosts() ([]string, error) {
	f, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if host := strings.TrimSpace(scanner.Text()); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

func (m *Manager) generate(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return fmt.Errorf("create ca directory: %w", err)
	}

	cert, key, err := m.issue(m.caDir, m.tlsDir, hosts)
	if err != nil {
		return err
	}
	if cert != m.certFile {
		if err := os.Rename(cert, m.certFile); err != nil {
			return fmt.Errorf("rename certificate: %w", err)
		}
	}
	if key != m.keyFile {
		if err := os.Rename(key, m.keyFile); err != nil {
			return fmt.Errorf("rename key: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		m.logger.Warn("caching certificate hosts failed", "error", err)
	}
	attrs := []any{"cert", m.certFile}
	if fp, err := m.CAFingerprint(); err == nil {
		attrs = append(attrs, "ca_sha256", fp)
	}
	m.logger.Info("server certificate issued", attrs...)
	return nil
}

func truststoreIssuer(caDir, outDir string, hosts []string) (string, string, error) {
	// truststore reads the CA location from the environment only.
	if err := os.Setenv("CAROOT", caDir); err != nil {
		return "", "", err
	}
	ml, err := truststore.NewLib()
	if err != nil {
		return "", "", fmt.Errorf("init truststore: %w", err)
	}
	if err := ml.Install(); err != nil {
		return "", "", fmt.Errorf("install ca: %w", err)
	}
	cert, err := ml.MakeCert(hosts, outDir)
	if err != nil {
		return "", "", fmt.Errorf("issue certificate: %w", err)
	}
	return cert.CertFile, cert.KeyFile, nil
}

// CACertFile returns the path of the CA certificate.
func (m *Manager) CACertFile() string {
	return m.caCertFile
}

// ReadCACert returns the CA certificate PEM.
func (m *Manager) ReadCACert() ([]byte, error) {
	return os.ReadFile(m.caCertFile)
}

// CAFingerprint returns the SHA-256 fingerprint of the CA certificate as
// colon separated hex.
func (m *Manager) CAFingerprint() (string, error) {
	data, err := m.ReadCACert()
	if err != nil {
		return "", fmt.Errorf("read ca certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("ca certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse ca certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
