package server

import (
	"time"

	"github.com/dotside-studios/nfc-readloop/buildinfo"
)

// mDNS service discovery constants
var (
	MDNSServiceType = "_nfc-readloop._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// Route prefixes
const (
	APIPrefix   = "/api"
	APIV1Prefix = "/api/v1"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, DELETE, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)

// WebSocket client settings
const (
	wsSendBuffer = 64
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// feedBuffer is the controller subscription buffer of the broadcaster.
const feedBuffer = 128
