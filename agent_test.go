package main

import (
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotside-studios/nfc-readloop/config"
	"github.com/dotside-studios/nfc-readloop/readloop"
)

func newTestAgent(t *testing.T, configPath string) *Agent {
	t.Helper()
	cfg := config.Default()
	cfg.Device.Connstring = config.DeviceVirtual
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.MDNS = false
	cfg.Upload.PrimaryURL = "https://127.0.0.1:1/create"
	cfg.Upload.DevSN = "SN-TEST"
	cfg.ReadLoop.ReadIntervalMs = 10

	a := NewAgent(cfg, configPath)
	a.Logger = log.New(io.Discard, "", 0)
	a.Quiet = true
	t.Cleanup(a.Stop)
	return a
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgent_VirtualRadioEndToEnd(t *testing.T) {
	a := newTestAgent(t, "")

	if err := a.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := a.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	feed := a.FeedURL()
	if !strings.HasPrefix(feed, "ws://127.0.0.1:") || !strings.HasSuffix(feed, "/ws") {
		t.Fatalf("FeedURL() = %q", feed)
	}
	base := "http://" + strings.TrimSuffix(strings.TrimPrefix(feed, "ws://"), "/ws")

	ctrl := a.Controller()
	waitUntil(t, "discovery enabled", func() bool { return ctrl.Status().Polling })

	resp, err := http.Post(base+"/api/v1/tag", "application/json", strings.NewReader(`{"uid":"04:A1:B2:C3","ndefSize":27}`))
	if err != nil {
		t.Fatalf("POST /api/v1/tag: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/v1/tag = %d", resp.StatusCode)
	}

	waitUntil(t, "a read", func() bool {
		h := ctrl.History()
		return len(h) > 0 && h[0].Kind == readloop.KindRead
	})
	if got := ctrl.History()[0].UID; got != "04:A1:B2:C3" {
		t.Errorf("UID = %q", got)
	}

	a.Stop()
	if a.Running() {
		t.Error("Running() after Stop")
	}
	if a.FeedURL() != "" {
		t.Error("FeedURL() after Stop should be empty")
	}
	a.Stop()
}

func TestAgent_FeedDisabled(t *testing.T) {
	a := newTestAgent(t, "")
	a.Config.Server.Enabled = false

	if err := a.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if a.FeedURL() != "" {
		t.Errorf("FeedURL() = %q, want none", a.FeedURL())
	}
}

func TestAgent_NoRadio(t *testing.T) {
	a := newTestAgent(t, "")
	a.Config.Device.Connstring = "pn532_uart:/dev/does-not-exist"
	a.Config.Server.Enabled = false

	if err := a.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if got := a.Controller().Status().Line; got != readloop.StatusNoRadio {
		t.Errorf("status = %q, want %q", got, readloop.StatusNoRadio)
	}
}

func TestAgent_ReloadsUploadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	if err := os.WriteFile(path, []byte("upload:\n  failure_backoff_ms: 1000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	a := newTestAgent(t, path)
	a.Config.Server.Enabled = false
	if err := a.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	backoff := a.uploader.Backoff()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("upload:\n  failure_backoff_ms: 5000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "the new backoff", func() bool { return backoff.Interval() == 5*time.Second })
}
