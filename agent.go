package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dotside-studios/nfc-readloop/config"
	"github.com/dotside-studios/nfc-readloop/mqtt"
	"github.com/dotside-studios/nfc-readloop/nfc"
	"github.com/dotside-studios/nfc-readloop/readloop"
	"github.com/dotside-studios/nfc-readloop/server"
	"github.com/dotside-studios/nfc-readloop/tls"
	"github.com/dotside-studios/nfc-readloop/upload"
)

// Agent owns one running read loop and everything attached to it: the
// radio, the uploader, the display feed and the MQTT mirror.
type Agent struct {
	Logger     *log.Logger
	Config     *config.Config
	ConfigPath string // watched for upload changes when set

	// Quiet silences the component loggers, for tests.
	Quiet bool

	mu         sync.Mutex
	adapter    nfc.Adapter
	virtual    *nfc.VirtualAdapter
	closer     io.Closer
	controller *readloop.Controller
	uploader   *upload.Uploader
	server     *server.Server
	mirror     *mqtt.Mirror
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewAgent(cfg *config.Config, configPath string) *Agent {
	return &Agent{
		Logger:     log.New(os.Stderr, "[agent] ", log.LstdFlags),
		Config:     cfg,
		ConfigPath: configPath,
	}
}

func (a *Agent) logger(prefix string) *log.Logger {
	if a.Quiet {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags)
}

// Start opens the radio, starts the uploader and the feed, and resumes
// reading.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.controller != nil {
		return errors.New("agent is already running")
	}
	cfg := a.Config

	upCfg, err := cfg.UploaderConfig()
	if err != nil {
		return fmt.Errorf("upload config: %w", err)
	}
	upCfg.Identity = upload.ResolveIdentity(upCfg.Identity)
	uploader, err := upload.New(upCfg, upload.WithLogger(a.logger("upload")))
	if err != nil {
		return fmt.Errorf("create uploader: %w", err)
	}
	a.Logger.Printf("Reporting as %s/%s", upCfg.Identity.DevType, upCfg.Identity.DevSN)

	a.openRadio(cfg.Device)

	opts := readloop.DefaultOptions()
	opts.Logger = a.logger("readloop")
	opts.ReadInterval = cfg.ReadInterval()
	opts.RearmInterval = cfg.RearmInterval()
	opts.HistoryCap = cfg.ReadLoop.HistoryCap
	opts.Uploader = uploader

	controller := readloop.NewController(a.adapter, opts)

	mirror, err := mqtt.New(cfg.MQTT, upCfg.Identity.DevSN, a.logger("mqtt"))
	if err != nil {
		a.Logger.Printf("Warning: MQTT mirror disabled: %v", err)
		mirror, _ = mqtt.New(mqtt.Config{}, "", a.logger("mqtt"))
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv, err = a.newServer(cfg.Server, controller, uploader)
		if err != nil {
			a.closeRadio()
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.controller = controller
	a.uploader = uploader
	a.server = srv
	a.mirror = mirror

	uploader.Start()
	controller.Start()

	if srv != nil {
		if err := srv.Start(); err != nil {
			a.Logger.Printf("Warning: display feed not available: %v", err)
			a.server = nil
		}
	}

	if mirror.Enabled() {
		events, unsubscribe := controller.Subscribe(64)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer unsubscribe()
			mirror.Connect()
			mirror.Run(ctx, events)
		}()
	}

	if a.ConfigPath != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			apply := func(c *config.Config) { a.applyConfig(uploader, c) }
			if err := config.Watch(ctx, a.ConfigPath, a.logger("config"), apply); err != nil {
				a.Logger.Printf("Warning: config hot reload disabled: %v", err)
			}
		}()
	}

	controller.Resume()
	a.Logger.Println("Agent started")
	return nil
}

// openRadio picks the radio named by the device config. A missing reader
// leaves the agent without a radio rather than failing.
func (a *Agent) openRadio(dev config.DeviceConfig) {
	if dev.Connstring == config.DeviceVirtual {
		a.virtual = nfc.NewVirtualAdapter()
		a.adapter = a.virtual
		a.Logger.Println("Using the virtual radio; place tags with POST /api/v1/tag")
		return
	}

	opts := []nfc.LibnfcOption{nfc.WithLibnfcLogger(a.logger("libnfc"))}
	if d := a.Config.PollInterval(); d > 0 {
		opts = append(opts, nfc.WithPollInterval(d))
	}
	radio, err := nfc.NewLibnfcAdapter(dev.Connstring, opts...)
	if err != nil {
		a.Logger.Printf("No NFC reader available: %v", err)
		return
	}
	a.adapter = radio
	a.closer = radio
	a.Logger.Printf("Using NFC reader %s", radio)
}

func (a *Agent) closeRadio() {
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			a.Logger.Printf("Error closing NFC reader: %v", err)
		}
	}
	a.adapter, a.virtual, a.closer = nil, nil, nil
}

func (a *Agent) newServer(sc config.ServerConfig, controller *readloop.Controller, uploader *upload.Uploader) (*server.Server, error) {
	srvCfg := server.Config{
		Controller: controller,
		Uploads:    uploader,
		Host:       sc.Host,
		Port:       sc.Port,
		MDNS:       sc.MDNS,
		APISecret:  sc.APISecret,
		Logger:     a.logger("server"),
	}
	if a.virtual != nil {
		srvCfg.Virtual = a.virtual
	}

	if sc.TLS {
		dir, err := a.configDir()
		if err != nil {
			return nil, err
		}
		mgr := tls.NewManager(dir,
			tls.WithCAInstall(sc.InstallCA),
			tls.WithLogger(a.logger("tls")),
		)
		tlsConfig, err := mgr.ServerConfig()
		if err != nil {
			return nil, fmt.Errorf("TLS setup: %w", err)
		}
		srvCfg.TLS = tlsConfig
		srvCfg.CA = mgr.CAHandler()
	}
	return server.New(srvCfg), nil
}

func (a *Agent) configDir() (string, error) {
	if a.ConfigPath != "" {
		return filepath.Dir(a.ConfigPath), nil
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "", err
	}
	return filepath.Dir(path), nil
}

// applyConfig hot-applies upload settings from a reloaded config file.
func (a *Agent) applyConfig(uploader *upload.Uploader, cfg *config.Config) {
	upCfg, err := cfg.UploaderConfig()
	if err != nil {
		a.Logger.Printf("Ignoring reloaded upload config: %v", err)
		return
	}
	upCfg.Identity = upload.ResolveIdentity(upCfg.Identity)
	if err := uploader.Configure(upCfg); err != nil {
		a.Logger.Printf("Ignoring reloaded upload config: %v", err)
	}
}

// Stop shuts everything down in reverse order of Start.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.controller == nil {
		a.Logger.Println("Agent is not running")
		return
	}

	a.Logger.Println("Stopping agent...")
	if a.server != nil {
		a.server.Stop()
		a.server = nil
	}
	a.controller.Stop()
	a.cancel()
	a.wg.Wait()
	a.mirror.Disconnect()
	a.uploader.Stop()
	a.closeRadio()

	a.controller = nil
	a.uploader = nil
	a.mirror = nil
	a.Logger.Println("Agent stopped successfully")
}

// Running reports whether Start succeeded and Stop was not called yet.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controller != nil
}

// Controller returns the running controller, or nil.
func (a *Agent) Controller() *readloop.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controller
}

// FeedURL returns the WebSocket URL of the display feed, or "" when the
// feed is not running.
func (a *Agent) FeedURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil || a.server.Addr() == nil {
		return ""
	}
	scheme := "ws"
	if a.Config.Server.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, feedHost(a.server.Addr()))
}

// feedHost replaces wildcard listen addresses with the first LAN address.
func feedHost(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "localhost"
		if ips, err := tls.LANIPs(); err == nil && len(ips) > 0 {
			host = ips[0]
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
