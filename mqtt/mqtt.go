// Package mqtt mirrors read loop events to an MQTT broker.
//
// The mirror is best effort: publishing never waits for the broker and a
// missing host turns the whole package into a no-op.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dotside-studios/nfc-readloop/readloop"
)

// Topic suffixes below Config.Topic.
const (
	TopicEntry  = "entry"
	TopicStatus = "status"
)

const connectTimeout = 5 * time.Second

// Config holds MQTT connection settings.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	// Topic is the prefix every message is published under.
	Topic string `yaml:"topic"`

	// ClientID defaults to the device serial.
	ClientID string `yaml:"client_id"`
}

// publisher is the part of paho.Client the mirror publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Mirror publishes history entries and status changes.
type Mirror struct {
	cfg     Config
	client  paho.Client
	pub     publisher
	enabled bool
	logger  *log.Logger
}

// New creates a Mirror. It returns a disabled no-op Mirror if no host is
// configured.
func New(cfg Config, clientID string, logger *log.Logger) (*Mirror, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[mqtt] ", log.LstdFlags)
	}
	if cfg.ClientID != "" {
		clientID = cfg.ClientID
	}

	m := &Mirror{cfg: cfg, logger: logger}
	if cfg.Host == "" {
		logger.Println("MQTT disabled (no host configured)")
		return m, nil
	}

	var broker string
	var tlsConfig *tls.Config
	if cfg.CACert != "" || cfg.ClientCert != "" {
		if cfg.Port == 0 {
			cfg.Port = 8883
		}
		broker = fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)

		var err error
		tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
	} else {
		if cfg.Port == 0 {
			cfg.Port = 1883
		}
		broker = fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Printf("MQTT connection lost: %v", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Printf("MQTT connected to %s", broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	m.client = paho.NewClient(opts)
	m.pub = m.client
	m.enabled = true
	return m, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = caPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Enabled reports whether a broker is configured.
func (m *Mirror) Enabled() bool {
	return m.enabled
}

// Connect starts connecting to the broker. The client keeps retrying in
// the background, so a broker that is down is only logged.
func (m *Mirror) Connect() {
	if !m.enabled || m.client == nil {
		return
	}
	token := m.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		m.logger.Printf("MQTT broker not reachable yet, retrying in the background")
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Printf("MQTT connect failed: %v", err)
	}
}

// Disconnect closes the broker connection.
func (m *Mirror) Disconnect() {
	if !m.enabled || m.client == nil {
		return
	}
	m.client.Disconnect(250)
}

// Run publishes every event from events until ctx is done or events is
// closed.
func (m *Mirror) Run(ctx context.Context, events <-chan readloop.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Publish(ev)
		}
	}
}

// Publish sends one event without waiting for the broker. Entries go to
// <topic>/entry, status changes to the retained <topic>/status.
func (m *Mirror) Publish(ev readloop.Event) {
	if !m.enabled {
		return
	}
	if ev.Entry != nil {
		m.send(TopicEntry, false, ev.Entry.Entry())
	}
	if ev.Status != nil {
		m.send(TopicStatus, true, ev.Status.Payload())
	}
}

func (m *Mirror) send(suffix string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Printf("Error encoding %s message: %v", suffix, err)
		return
	}
	m.pub.Publish(m.topic(suffix), 0, retained, payload)
}

func (m *Mirror) topic(suffix string) string {
	if m.cfg.Topic == "" {
		return suffix
	}
	return m.cfg.Topic + "/" + suffix
}
