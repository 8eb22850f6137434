// Package config loads the agent configuration from a YAML file.
//
// Every key is optional: Default carries the build-time values and a file
// only overrides what it names.
package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dotside-studios/nfc-readloop/buildinfo"
	"github.com/dotside-studios/nfc-readloop/mqtt"
	"github.com/dotside-studios/nfc-readloop/upload"
)

// Build-time upload defaults.
const (
	DefaultPrimaryURL          = "https://labndevor.leoaidc.com/create"
	DefaultFallbackURL         = "http://labndevor.leoaidc.com/create"
	DefaultHTTPFallbackEnabled = false
	DefaultFailureBackoffMs    = 60000
	DefaultTimeoutMs           = 2500
)

// Feed server defaults.
const (
	DefaultPort = 18080
	FileName    = "config.yaml"
)

// DeviceVirtual selects the in-process virtual radio.
const DeviceVirtual = "virtual"

// Config is the top-level agent configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Upload   UploadConfig   `yaml:"upload"`
	ReadLoop ReadLoopConfig `yaml:"readloop"`
	Server   ServerConfig   `yaml:"server"`
	MQTT     mqtt.Config    `yaml:"mqtt"`
}

// DeviceConfig selects the radio.
type DeviceConfig struct {
	// Connstring is a libnfc connection string, "virtual", or empty to
	// use the first reader found.
	Connstring string `yaml:"connstring"`

	// PollIntervalMs is the libnfc target polling period.
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// UploadConfig holds the collector endpoints and the failure backoff.
type UploadConfig struct {
	PrimaryURL          string `yaml:"primary_url"`
	FallbackURL         string `yaml:"fallback_url"`
	HTTPFallbackEnabled bool   `yaml:"http_fallback_enabled"`
	FailureBackoffMs    int64  `yaml:"failure_backoff_ms"`

	// BackoffPolicy is "constant" or "exponential". The exponential window
	// doubles per consecutive failure up to MaxFailureBackoffMs.
	BackoffPolicy       string `yaml:"backoff_policy"`
	MaxFailureBackoffMs int64  `yaml:"max_failure_backoff_ms"`

	TimeoutMs int64 `yaml:"timeout_ms"`

	// CAFile is an optional PEM bundle trusted for the primary endpoint
	// instead of the system roots.
	CAFile string `yaml:"ca_file"`

	// DevType and DevSN override the reported device identity.
	DevType string `yaml:"dev_type"`
	DevSN   string `yaml:"dev_sn"`
}

// ReadLoopConfig tunes the read loop. Zero means the built-in default.
type ReadLoopConfig struct {
	ReadIntervalMs  int `yaml:"read_interval_ms"`
	RearmIntervalMs int `yaml:"rearm_interval_ms"`
	HistoryCap      int `yaml:"history_cap"`
}

// ServerConfig configures the display feed.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLS     bool   `yaml:"tls"`
	MDNS    bool   `yaml:"mdns"`

	// InstallCA adds the feed CA to the system trust store when TLS is on.
	InstallCA bool `yaml:"install_ca"`

	// APISecret guards the WebSocket and the control endpoints.
	APISecret string `yaml:"api_secret"`
}

// Default returns the build-time configuration.
func Default() *Config {
	return &Config{
		Upload: UploadConfig{
			PrimaryURL:          DefaultPrimaryURL,
			FallbackURL:         DefaultFallbackURL,
			HTTPFallbackEnabled: DefaultHTTPFallbackEnabled,
			FailureBackoffMs:    DefaultFailureBackoffMs,
			TimeoutMs:           DefaultTimeoutMs,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    DefaultPort,
			MDNS:    true,
		},
		MQTT: mqtt.Config{
			Port:  1883,
			Topic: buildinfo.Name,
		},
	}
}

// DefaultPath returns the config file location under the user config
// directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(dir, buildinfo.DirName, FileName), nil
}

// Load reads and parses the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and the upload endpoints.
func (c *Config) Validate() error {
	if c.Upload.FailureBackoffMs <= 0 {
		return fmt.Errorf("upload.failure_backoff_ms must be positive")
	}
	if c.Upload.MaxFailureBackoffMs < 0 {
		return fmt.Errorf("upload.max_failure_backoff_ms must not be negative")
	}
	if c.Upload.TimeoutMs < 0 {
		return fmt.Errorf("upload.timeout_ms must not be negative")
	}
	if err := c.uploadBase().Validate(); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.ReadLoop.ReadIntervalMs < 0 || c.ReadLoop.RearmIntervalMs < 0 {
		return fmt.Errorf("readloop intervals must not be negative")
	}
	if c.ReadLoop.HistoryCap < 0 {
		return fmt.Errorf("readloop.history_cap must not be negative")
	}
	return nil
}

func (c *Config) uploadBase() upload.Config {
	return upload.Config{
		PrimaryURL:          c.Upload.PrimaryURL,
		FallbackURL:         c.Upload.FallbackURL,
		HTTPFallbackEnabled: c.Upload.HTTPFallbackEnabled,
		FailureBackoff:      time.Duration(c.Upload.FailureBackoffMs) * time.Millisecond,
		BackoffPolicy:       upload.BackoffPolicy(c.Upload.BackoffPolicy),
		MaxFailureBackoff:   time.Duration(c.Upload.MaxFailureBackoffMs) * time.Millisecond,
		Timeout:             time.Duration(c.Upload.TimeoutMs) * time.Millisecond,
		Identity: upload.Identity{
			DevType: c.Upload.DevType,
			DevSN:   c.Upload.DevSN,
		},
	}
}

// UploaderConfig converts the upload section, loading CAFile when set.
// The identity is passed through unresolved.
func (c *Config) UploaderConfig() (upload.Config, error) {
	cfg := c.uploadBase()
	if c.Upload.CAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(c.Upload.CAFile)
	if err != nil {
		return upload.Config{}, fmt.Errorf("config: read ca_file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return upload.Config{}, fmt.Errorf("config: no certificates in %s", c.Upload.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// ReadInterval returns the session tick period, zero for the default.
func (c *Config) ReadInterval() time.Duration {
	return time.Duration(c.ReadLoop.ReadIntervalMs) * time.Millisecond
}

// RearmInterval returns the re-arm tick period, zero for the default.
func (c *Config) RearmInterval() time.Duration {
	return time.Duration(c.ReadLoop.RearmIntervalMs) * time.Millisecond
}

// PollInterval returns the libnfc polling period, zero for the default.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Device.PollIntervalMs) * time.Millisecond
}
