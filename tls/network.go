// Package tls provisions the certificate the display feed is served with,
// issued by a local CA.
package tls

import (
	"net"
	"os"
	"sort"
	"strings"
)

// LANIPs returns the IPv4 addresses of every interface that is up and not
// a loopback.
func LANIPs() ([]string, error) {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}

	return ips, nil
}

// CertHosts returns the names the feed certificate must cover: localhost,
// the loopback address, the machine's mDNS name, the LAN addresses and
// extra. The result is sorted and free of duplicates. On an interface
// listing error the result still holds everything else.
func CertHosts(extra ...string) ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	if name, err := os.Hostname(); err == nil && name != "" {
		hosts = append(hosts, localName(name))
	}
	hosts = append(hosts, extra...)

	lanIPs, err := LANIPs()
	hosts = append(hosts, lanIPs...)
	return dedupe(hosts), err
}

func localName(hostname string) string {
	hostname = strings.TrimSuffix(strings.ToLower(hostname), ".")
	if strings.HasSuffix(hostname, ".local") {
		return hostname
	}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}
	return hostname + ".local"
}

func dedupe(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
