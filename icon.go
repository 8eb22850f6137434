package main

import _ "embed"

// Tray icons
var (
	//go:embed assets/icon.png
	iconData []byte

	//go:embed assets/icon_reading.png
	iconDataReading []byte

	//go:embed assets/icon_error.png
	iconDataError []byte

	//go:embed assets/icon_paused.png
	iconDataPaused []byte
)
