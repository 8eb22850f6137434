package config

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotside-studios/nfc-readloop/upload"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Upload.PrimaryURL != "https://labndevor.leoaidc.com/create" {
		t.Errorf("primary_url = %q", cfg.Upload.PrimaryURL)
	}
	if cfg.Upload.FallbackURL != "http://labndevor.leoaidc.com/create" {
		t.Errorf("fallback_url = %q", cfg.Upload.FallbackURL)
	}
	if cfg.Upload.HTTPFallbackEnabled {
		t.Error("http fallback should be off by default")
	}
	if cfg.Upload.FailureBackoffMs != 60000 {
		t.Errorf("failure_backoff_ms = %d, want 60000", cfg.Upload.FailureBackoffMs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}

	up, err := cfg.UploaderConfig()
	if err != nil {
		t.Fatalf("UploaderConfig() failed: %v", err)
	}
	if up.FailureBackoff != time.Minute || up.Timeout != 2500*time.Millisecond {
		t.Errorf("backoff = %v timeout = %v", up.FailureBackoff, up.Timeout)
	}
}

func TestParse_OverridesOnlyNamedKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
device:
  connstring: virtual
upload:
  http_fallback_enabled: true
  failure_backoff_ms: 5000
  backoff_policy: exponential
  max_failure_backoff_ms: 600000
  dev_sn: "SN-7"
readloop:
  read_interval_ms: 250
server:
  port: 9000
mqtt:
  host: broker.local
`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if cfg.Device.Connstring != DeviceVirtual {
		t.Errorf("connstring = %q", cfg.Device.Connstring)
	}
	if !cfg.Upload.HTTPFallbackEnabled || cfg.Upload.FailureBackoffMs != 5000 {
		t.Errorf("upload = %+v", cfg.Upload)
	}
	if cfg.Upload.PrimaryURL != DefaultPrimaryURL {
		t.Errorf("primary_url lost its default: %q", cfg.Upload.PrimaryURL)
	}
	if cfg.ReadInterval() != 250*time.Millisecond || cfg.RearmInterval() != 0 {
		t.Errorf("intervals = %v, %v", cfg.ReadInterval(), cfg.RearmInterval())
	}
	if cfg.Server.Port != 9000 || !cfg.Server.Enabled {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.MQTT.Host != "broker.local" || cfg.MQTT.Port != 1883 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}

	up, _ := cfg.UploaderConfig()
	if up.Identity.DevSN != "SN-7" || up.Identity.DevType != "" {
		t.Errorf("identity = %+v", up.Identity)
	}
	if up.BackoffPolicy != upload.PolicyExponential || up.MaxFailureBackoff != 10*time.Minute {
		t.Errorf("backoff = %q max %v", up.BackoffPolicy, up.MaxFailureBackoff)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "upload: [", "parse yaml"},
		{"zero backoff", "upload:\n  failure_backoff_ms: 0", "failure_backoff_ms"},
		{"plain primary", "upload:\n  primary_url: http://example.com/x", "https"},
		{"bad fallback", "upload:\n  http_fallback_enabled: true\n  fallback_url: '::'", "fallback"},
		{"backoff policy", "upload:\n  backoff_policy: linear", "backoff policy"},
		{"port", "server:\n  port: 70000", "out of range"},
		{"negative interval", "readloop:\n  rearm_interval_ms: -1", "intervals"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault(missing) failed: %v", err)
	}
	if cfg.Upload.PrimaryURL != DefaultPrimaryURL {
		t.Error("missing file should yield defaults")
	}

	path := writeFile(t, dir, FileName, "upload:\n  failure_backoff_ms: 10\n")
	cfg, err = LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault() failed: %v", err)
	}
	if cfg.Upload.FailureBackoffMs != 10 {
		t.Errorf("failure_backoff_ms = %d", cfg.Upload.FailureBackoffMs)
	}

	bad := writeFile(t, dir, "bad.yaml", "upload: [")
	if _, err := LoadOrDefault(bad); err == nil {
		t.Error("a broken file must not fall back to defaults")
	}
}

func TestUploaderConfig_CAFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()

	cfg.Upload.CAFile = writeFile(t, dir, "empty.pem", "not a certificate")
	if _, err := cfg.UploaderConfig(); err == nil {
		t.Error("a bundle without certificates should be rejected")
	}

	cfg.Upload.CAFile = writeFile(t, dir, "ca.pem", string(selfSignedPEM(t)))
	up, err := cfg.UploaderConfig()
	if err != nil {
		t.Fatalf("UploaderConfig() failed: %v", err)
	}
	if up.RootCAs == nil {
		t.Error("RootCAs not set")
	}

	cfg.Upload.CAFile = filepath.Join(dir, "nope.pem")
	if _, err := cfg.UploaderConfig(); err == nil {
		t.Error("a missing ca_file should fail")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")

	path, err := DefaultPath()
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	if filepath.Base(path) != FileName || filepath.Base(filepath.Dir(path)) != "nfc-readloop" {
		t.Errorf("DefaultPath() = %q", path)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, FileName, "upload:\n  failure_backoff_ms: 1000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, log.New(io.Discard, "", 0), func(c *Config) { changes <- c })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "other.yaml", "upload:\n  failure_backoff_ms: 1\n")
	writeFile(t, dir, FileName, "upload: [")
	writeFile(t, dir, FileName, "upload:\n  failure_backoff_ms: 2000\n")

	// a reload may observe the file mid-write, so wait for the final content
	timeout := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case c := <-changes:
			reloaded = c.Upload.FailureBackoffMs == 2000
		case <-timeout:
			t.Fatal("no reload with the final content")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func selfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
