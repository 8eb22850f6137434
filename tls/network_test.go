package tls

import (
	"reflect"
	"testing"
)

func TestLANIPs(t *testing.T) {
	ips, err := LANIPs()
	if err != nil {
		t.Fatalf("LANIPs failed: %v", err)
	}
	// may be empty in isolated containers
	t.Logf("Found LAN IPs: %v", ips)
}

func TestCertHosts(t *testing.T) {
	hosts, err := CertHosts("reader.example", "localhost")
	if err != nil {
		t.Logf("CertHosts interface error: %v", err)
	}

	want := map[string]bool{"localhost": false, "127.0.0.1": false, "reader.example": false}
	for i, h := range hosts {
		if _, ok := want[h]; ok {
			if want[h] {
				t.Errorf("duplicate host %q", h)
			}
			want[h] = true
		}
		if i > 0 && hosts[i-1] >= h {
			t.Errorf("hosts not sorted: %v", hosts)
		}
	}
	for h, found := range want {
		if !found {
			t.Errorf("missing host %q in %v", h, hosts)
		}
	}
}

func TestLocalName(t *testing.T) {
	tests := map[string]string{
		"Kiosk-1":            "kiosk-1.local",
		"kiosk.corp.example": "kiosk.local",
		"kiosk.local.":       "kiosk.local",
	}
	for in, want := range tests {
		if got := localName(in); got != want {
			t.Errorf("localName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"b", " a", "", "b", "a"})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("dedupe() = %v", got)
	}
}
