// Package protocol provides the JSON types of the display feed for external
// tools. It is importable without pulling in the radio or server
// dependencies.
package protocol

import "time"

// TagInputRequest is the request body of POST /api/v1/tag. It places a tag
// in the field of the virtual radio.
type TagInputRequest struct {
	// UID is the tag's identifier in hex.
	// Supports formats: "04:AB:CD:EF", "04ABCDEF", "04 AB CD EF", "04-AB-CD-EF"
	UID string `json:"uid"`

	// Techs lists technology names such as "NfcA", "IsoDep" or "Ndef".
	// Optional - defaults to ["NfcA"]
	Techs []string `json:"techs,omitempty"`

	// NDEFSize adds an NDEF technology reporting this message length.
	NDEFSize *int `json:"ndefSize,omitempty"`

	// Source identifies where this tag data came from.
	// Optional - defaults to "http-api"
	Source string `json:"source,omitempty"`
}

// TagInputResponse is the response body of the /api/v1/tag endpoints.
type TagInputResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	UID       string `json:"uid,omitempty"` // Echo back the normalized UID
}

// Error codes for TagInputResponse
const (
	ErrCodeInvalidUID     = "INVALID_UID"
	ErrCodeInvalidTech    = "INVALID_TECH"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNoVirtualRadio = "NO_VIRTUAL_RADIO"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// Entry is one history or error log line.
type Entry struct {
	Seq     int64  `json:"seq"`
	UID     string `json:"uid,omitempty"`
	Time    string `json:"time"`
	TagType string `json:"tagType,omitempty"`
	Kind    string `json:"kind"`
	Result  string `json:"result"`
	Summary string `json:"summary"`
}

// Status is the live status display.
type Status struct {
	Line    string `json:"line"`
	UID     string `json:"uid,omitempty"`
	TagType string `json:"tagType,omitempty"`
	Techs   string `json:"techs,omitempty"`
	Time    string `json:"time,omitempty"`
	Counter int64  `json:"counter"`
	Active  bool   `json:"active"`
	Polling bool   `json:"polling"`
}

// Stats are the cumulative read loop and upload counters.
type Stats struct {
	Counter         int64 `json:"counter"`
	Discoveries     int64 `json:"discoveries"`
	DiscoveryErrors int64 `json:"discoveryErrors"`
	Reads           int64 `json:"reads"`
	ReadErrors      int64 `json:"readErrors"`
	Departures      int64 `json:"departures"`
	Rearms          int64 `json:"rearms"`
	Resets          int64 `json:"resets"`
	ResetsAttempted int64 `json:"resetsAttempted"`

	Upload *UploadStats `json:"upload,omitempty"`
}

// UploadStats are the uploader counters. BackoffUntil is omitted when no
// failure ever tripped the backoff.
type UploadStats struct {
	Submitted    int64            `json:"submitted"`
	Suppressed   int64            `json:"suppressed"`
	Dropped      int64            `json:"dropped"`
	Delivered    int64            `json:"delivered"`
	Failed       int64            `json:"failed"`
	Attempts     map[string]int64 `json:"attempts"`
	Successes    map[string]int64 `json:"successes"`
	BackoffUntil *time.Time       `json:"backoffUntil,omitempty"`
}
