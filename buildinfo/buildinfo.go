// Package buildinfo holds the agent's identity as reported to the
// collector, the display feed and the command line. Release builds stamp
// it with ldflags:
//
//	go build -ldflags "-X github.com/dotside-studios/nfc-readloop/buildinfo.Version=1.0.0"
//
// Commit and BuildTime fall back to the VCS stamp the Go toolchain embeds
// when they are not set.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	// Name identifies the agent in the User-Agent and the WebSocket hello.
	Name = "nfc-readloop"

	// DirName is the config directory under the user config dir.
	DirName = "nfc-readloop"

	// DisplayName is used by the tray and the mDNS advertisement.
	DisplayName = "NFC Read Loop"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

var vcsOnce sync.Once

// readVCS fills Commit and BuildTime from the embedded build settings.
func readVCS() {
	vcsOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if Commit == "" && len(s.Value) >= 7 {
					Commit = s.Value[:7]
				}
			case "vcs.time":
				if BuildTime == "" {
					BuildTime = s.Value
				}
			}
		}
	})
}

// UserAgent is sent with every upload: "<name>/<version> (<devType>)",
// for example "nfc-readloop/1.0.0 (linux)". An empty devType falls back
// to the operating system.
func UserAgent(devType string) string {
	devType = strings.TrimSpace(devType)
	if devType == "" {
		devType = runtime.GOOS
	}
	return Name + "/" + Version + " (" + devType + ")"
}

// BuildInfo is the -version output.
func BuildInfo() string {
	readVCS()

	var b strings.Builder
	b.WriteString(Name + " " + Version)
	if Commit != "" {
		b.WriteString(" (" + Commit + ")")
	}
	b.WriteString("\n  " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH)
	if BuildTime != "" {
		b.WriteString("\n  built " + BuildTime)
	}
	return b.String()
}
