package tls

import (
	"bufio"
	"crypto/sha256"
	cryptotls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jittering/truststore"
)

// renewBefore is how long before expiry the feed certificate is reissued.
const renewBefore = 30 * 24 * time.Hour

// Manager issues the feed certificate from a local CA kept in the agent's
// config directory. Installing the CA in the system trust store is opt-in
// because it may prompt for a password.
type Manager struct {
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string

	installCA bool
	hosts     func() ([]string, error)
	now       func() time.Time
	logger    *log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCAInstall installs the CA in the system trust store when a
// certificate is issued.
func WithCAInstall(install bool) Option {
	return func(m *Manager) {
		m.installCA = install
	}
}

// WithHosts replaces the host lookup, CertHosts by default.
func WithHosts(fn func() ([]string, error)) Option {
	return func(m *Manager) {
		m.hosts = fn
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager storing its files below configDir.
func NewManager(configDir string, opts ...Option) *Manager {
	tlsDir := filepath.Join(configDir, "tls")
	caDir := filepath.Join(configDir, "ca")
	m := &Manager{
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		hosts:      func() ([]string, error) { return CertHosts() },
		now:        time.Now,
		logger:     log.New(os.Stderr, "[tls] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServerConfig makes sure a valid certificate exists and returns a TLS
// configuration serving it.
func (m *Manager) ServerConfig() (*cryptotls.Config, error) {
	if err := m.EnsureCertificates(); err != nil {
		return nil, err
	}
	cert, err := cryptotls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	return &cryptotls.Config{
		MinVersion:   cryptotls.VersionTLS12,
		Certificates: []cryptotls.Certificate{cert},
	}, nil
}

// EnsureCertificates issues a new certificate when none exists, when the
// host set changed or when the current one is about to expire.
func (m *Manager) EnsureCertificates() error {
	if err := os.MkdirAll(m.tlsDir, 0700); err != nil {
		return fmt.Errorf("failed to create TLS directory: %w", err)
	}

	hosts, err := m.hosts()
	if err != nil {
		m.logger.Printf("Warning: failed to list LAN addresses: %v", err)
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}

	reason := m.reissueReason(hosts)
	if reason == "" {
		m.logger.Println("Using existing certificate")
		return nil
	}
	m.logger.Printf("Issuing certificate: %s", reason)
	return m.issue(hosts)
}

// reissueReason returns why a new certificate is needed, or "".
func (m *Manager) reissueReason(hosts []string) string {
	if !m.certsExist() {
		return "no certificate"
	}
	if m.hostsChanged(hosts) {
		return "network configuration changed"
	}
	notAfter, err := m.certExpiry()
	if err != nil {
		return fmt.Sprintf("unreadable certificate (%v)", err)
	}
	if m.now().Add(renewBefore).After(notAfter) {
		return fmt.Sprintf("certificate expires %s", notAfter.Format(time.RFC3339))
	}
	return ""
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
	current := dedupe(hosts)
	if len(cached) != len(current) {
		return true
	}
	for i, h := range current {
		if cached[i] != h {
			return true
		}
	}
	return false
}

func (m *Manager) readCachedHosts() ([]string, error) {
	file, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		hosts = append(hosts, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return dedupe(hosts), nil
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	data := strings.Join(dedupe(hosts), "\n") + "\n"
	return os.WriteFile(m.hostsFile, []byte(data), 0600)
}

func (m *Manager) certExpiry() (time.Time, error) {
	cert, err := readCertificate(m.certFile)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

// issue creates the CA if needed and a certificate for hosts.
func (m *Manager) issue(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	// truststore keeps the CA wherever CAROOT points
	os.Setenv("CAROOT", m.caDir)

	ml, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}

	if m.installCA {
		m.logger.Println("Installing CA in the system trust store (you may be prompted for your password)")
		if err := ml.Install(); err != nil {
			return fmt.Errorf("failed to install CA: %w", err)
		}
	}

	m.logger.Printf("Generating certificate for hosts: %v", hosts)
	cert, err := ml.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	if cert.CertFile != m.certFile {
		if err := os.Rename(cert.CertFile, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if cert.KeyFile != m.keyFile {
		if err := os.Rename(cert.KeyFile, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		m.logger.Printf("Warning: failed to cache hosts: %v", err)
	}

	if fingerprint, err := m.CAFingerprint(); err == nil {
		m.logger.Printf("CA Fingerprint (SHA256): %s", fingerprint)
	}
	return nil
}

// CAFingerprint returns the colon-separated SHA-256 fingerprint of the CA
// certificate.
func (m *Manager) CAFingerprint() (string, error) {
	cert, err := readCertificate(m.caCertFile)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// CAHandler serves the CA certificate so display clients can trust the
// feed.
func (m *Manager) CAHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caCert, err := os.ReadFile(m.caCertFile)
		if err != nil {
			http.Error(w, "CA certificate not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Content-Disposition", "attachment; filename=\"nfc-readloop-ca.pem\"")
		w.Write(caCert)
		m.logger.Printf("CA certificate downloaded by %s", r.RemoteAddr)
	})
}

func readCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
