package upload

import (
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// machineIDPaths are tried in order for a stable device serial.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// hostname is swapped in tests.
var hostname = os.Hostname

// ResolveIdentity fills in whatever the configured identity leaves empty.
// The serial falls back to the machine id, then the hostname, then a
// random UUID; the type falls back to the operating system name.
func ResolveIdentity(configured Identity) Identity {
	id := configured
	if strings.TrimSpace(id.DevType) == "" {
		id.DevType = runtime.GOOS
	}
	if strings.TrimSpace(id.DevSN) == "" {
		id.DevSN = resolveSerial()
	}
	return id
}

func resolveSerial() string {
	for _, p := range machineIDPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	if h, err := hostname(); err == nil && strings.TrimSpace(h) != "" {
		return strings.TrimSpace(h)
	}
	return uuid.NewString()
}
