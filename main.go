// Package main runs the NFC read loop agent. It keeps a reader polling for
// tags, reads whatever sits in the field, reports each read to the
// collector and shows the results in the system tray and on the display
// feed.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fyne.io/systray"

	"github.com/dotside-studios/nfc-readloop/buildinfo"
	"github.com/dotside-studios/nfc-readloop/config"
)

var (
	// CLI flags
	configPathFlag string
	devicePathFlag string
	portFlag       int
	cliFlag        bool
	apiSecretFlag  string
	versionFlag    bool
)

// loadConfig reads the config file and applies the command line overrides.
func loadConfig() (*config.Config, string, error) {
	path := configPathFlag
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, "", err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device.Connstring = devicePathFlag
		case "port":
			cfg.Server.Port = portFlag
		case "api-secret":
			cfg.Server.APISecret = apiSecretFlag
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	flag.StringVar(&configPathFlag, "config", "", "Path to the config file (default: user config dir)")
	flag.StringVar(&devicePathFlag, "device", "", "libnfc connection string, or \"virtual\" for the software radio")
	flag.IntVar(&portFlag, "port", config.DefaultPort, "Port of the display feed")
	flag.BoolVar(&cliFlag, "cli", false, "Run in CLI mode (default: system tray mode)")
	flag.StringVar(&apiSecretFlag, "api-secret", "", "Secret required by the feed control endpoints (optional)")
	flag.BoolVar(&versionFlag, "version", false, "Print version information and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	cfg, path, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	agent := NewAgent(cfg, path)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Run in CLI mode only if explicitly requested
	if cliFlag {
		if err := agent.Start(); err != nil {
			log.Fatalf("Failed to start agent: %v", err)
		}
		if url := agent.FeedURL(); url != "" {
			log.Printf("Display feed at %s", url)
		}

		<-sigChan
		log.Println("Shutdown signal received, stopping agent...")
		agent.Stop()
		return
	}

	go func() {
		<-sigChan
		systray.Quit()
	}()
	NewSystrayApp(agent).Run()
}
