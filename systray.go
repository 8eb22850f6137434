package main

import (
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"fyne.io/systray"

	"github.com/dotside-studios/nfc-readloop/buildinfo"
	"github.com/dotside-studios/nfc-readloop/readloop"
)

// SystrayApp shows the live status of the read loop in the system tray
type SystrayApp struct {
	agent *Agent

	// Menu items
	mStatus  *systray.MenuItem
	mCardUID *systray.MenuItem
	mTagType *systray.MenuItem
	mCounter *systray.MenuItem
	mResume  *systray.MenuItem
	mPause   *systray.MenuItem
	mStart   *systray.MenuItem
	mStop    *systray.MenuItem

	// URL menu items
	mFeedURL     *systray.MenuItem
	mCopyFeedURL *systray.MenuItem
	mCAURL       *systray.MenuItem
	mCopyCAURL   *systray.MenuItem
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(agent *Agent) *SystrayApp {
	return &SystrayApp{agent: agent}
}

// Run starts the systray application
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

// onReady is called when the systray is ready
func (s *SystrayApp) onReady() {
	s.setupUI()
	s.autoStartAgent()
	s.startStatusUpdater()
}

// onExit is called when the systray is exiting
func (s *SystrayApp) onExit() {
	s.agent.Stop()
}

// setupUI initializes all menu items
func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTooltip(buildinfo.DisplayName)

	// Status section
	s.mStatus = systray.AddMenuItem("Starting...", "Read loop status")
	s.mStatus.Disable()

	s.mCardUID = systray.AddMenuItem("Card UID: None", "Last tag UID")
	s.mCardUID.Disable()
	s.mTagType = systray.AddMenuItem("Tag Type: None", "Last tag type")
	s.mTagType.Disable()
	s.mCounter = systray.AddMenuItem("Counter: 0", "Events since start")
	s.mCounter.Disable()

	systray.AddSeparator()

	// Feed URLs
	mURLs := systray.AddMenuItem("Display Feed", "Feed addresses")
	s.mFeedURL = mURLs.AddSubMenuItem("Feed: Not running", "WebSocket feed URL")
	s.mFeedURL.Disable()
	s.mCopyFeedURL = mURLs.AddSubMenuItem("  Copy Feed URL", "Copy the feed URL to clipboard")
	s.mCAURL = mURLs.AddSubMenuItem("CA Cert: Disabled", "CA certificate download URL")
	s.mCAURL.Disable()
	s.mCopyCAURL = mURLs.AddSubMenuItem("  Copy CA URL", "Copy the CA certificate URL to clipboard")

	systray.AddSeparator()

	// Read loop control
	s.mResume = systray.AddMenuItem("Resume Reading", "Power-cycle the radio and resume discovery")
	s.mPause = systray.AddMenuItem("Pause Reading", "Stop discovery and release the radio")

	systray.AddSeparator()

	// Agent control section
	s.mStart = systray.AddMenuItem("Start Agent", "Start the agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the agent")
	s.mStart.Disable()
	s.mStop.Disable()

	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Quit the application")

	go s.handleMenuEvents(mQuit)
}

// autoStartAgent starts the agent automatically
func (s *SystrayApp) autoStartAgent() {
	go func() {
		if err := s.agent.Start(); err != nil {
			log.Printf("[systray] Failed to start agent: %v", err)
			s.updateStatus("Failed to Start", iconDataError)
			s.mStart.Enable()
			return
		}
		s.updateURLs()
		s.mStop.Enable()
	}()
}

// startStatusUpdater mirrors the controller status into the menu
func (s *SystrayApp) startStatusUpdater() {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		var last readloop.Status

		for range ticker.C {
			ctrl := s.agent.Controller()
			if ctrl == nil {
				continue
			}
			status := ctrl.Status()
			if status == last {
				continue
			}
			s.showStatus(status)
			last = status
		}
	}()
}

func (s *SystrayApp) showStatus(status readloop.Status) {
	icon := iconData
	switch {
	case status.Line == readloop.StatusReadError || status.Line == readloop.StatusDiscoveryError:
		icon = iconDataError
	case status.Active:
		icon = iconDataReading
	case !status.Polling:
		icon = iconDataPaused
	}
	s.updateStatus(status.Line, icon)

	s.mCardUID.SetTitle("Card UID: " + orNone(status.UID))
	s.mTagType.SetTitle("Tag Type: " + orNone(status.TagType))
	s.mCounter.SetTitle(fmt.Sprintf("Counter: %d", status.Counter))

	if status.Polling {
		s.mResume.Disable()
		s.mPause.Enable()
	} else {
		s.mResume.Enable()
		s.mPause.Disable()
	}
}

// handleMenuEvents processes all menu click events
func (s *SystrayApp) handleMenuEvents(mQuit *systray.MenuItem) {
	for {
		select {
		case <-s.mResume.ClickedCh:
			if ctrl := s.agent.Controller(); ctrl != nil {
				ctrl.Resume()
			}
		case <-s.mPause.ClickedCh:
			if ctrl := s.agent.Controller(); ctrl != nil {
				ctrl.Pause()
			}
		case <-s.mStart.ClickedCh:
			s.handleStartAgent()
		case <-s.mStop.ClickedCh:
			s.handleStopAgent()
		case <-s.mCopyFeedURL.ClickedCh:
			s.copyURL("feed", s.agent.FeedURL())
		case <-s.mCopyCAURL.ClickedCh:
			s.copyURL("CA certificate", s.caURL())
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// handleStartAgent starts the agent
func (s *SystrayApp) handleStartAgent() {
	if err := s.agent.Start(); err != nil {
		log.Printf("[systray] Failed to start agent: %v", err)
		s.updateStatus("Failed to Start", iconDataError)
		return
	}
	s.updateURLs()
	s.mStart.Disable()
	s.mStop.Enable()
}

// handleStopAgent stops the agent
func (s *SystrayApp) handleStopAgent() {
	s.agent.Stop()
	s.updateStatus("Stopped", iconDataPaused)
	s.clearURLs()
	s.mResume.Disable()
	s.mPause.Disable()
	s.mStop.Disable()
	s.mStart.Enable()
}

func (s *SystrayApp) updateStatus(status string, icon []byte) {
	s.mStatus.SetTitle(status)
	systray.SetIcon(icon)
}

// updateURLs updates the feed URL displays
func (s *SystrayApp) updateURLs() {
	if url := s.agent.FeedURL(); url != "" {
		s.mFeedURL.SetTitle("Feed: " + url)
	} else {
		s.mFeedURL.SetTitle("Feed: Disabled")
	}
	if url := s.caURL(); url != "" {
		s.mCAURL.SetTitle("CA Cert: " + url)
	} else {
		s.mCAURL.SetTitle("CA Cert: Disabled")
	}
}

// clearURLs resets all URL displays to "Not running"
func (s *SystrayApp) clearURLs() {
	s.mFeedURL.SetTitle("Feed: Not running")
	s.mCAURL.SetTitle("CA Cert: Disabled")
}

// caURL returns the CA download URL when the feed runs with TLS.
func (s *SystrayApp) caURL() string {
	feed := s.agent.FeedURL()
	if !strings.HasPrefix(feed, "wss://") {
		return ""
	}
	return "https://" + strings.TrimSuffix(strings.TrimPrefix(feed, "wss://"), "/ws") + "/ca.pem"
}

func (s *SystrayApp) copyURL(name, url string) {
	if url == "" {
		return
	}
	if err := copyToClipboard(url); err != nil {
		log.Printf("[systray] Failed to copy to clipboard: %v", err)
		return
	}
	log.Printf("[systray] Copied %s URL to clipboard", name)
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}
