package upload

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the NFC-DATETIME layout.
const TimeFormat = "2006-01-02 15:04:05"

// Form field names, in the order they are encoded.
const (
	FieldDevType  = "DEV_TYPE"
	FieldDevSN    = "DEV_SN"
	FieldCounter  = "NFC-COUNTER"
	FieldUID      = "NFC-UID"
	FieldDateTime = "NFC-DATETIME"
)

// Job is one successful read to report.
type Job struct {
	Counter int64
	UID     string
	Time    time.Time
}

// Identity identifies this reader to the collector.
type Identity struct {
	DevType string
	DevSN   string
}

// EncodeForm renders the application/x-www-form-urlencoded body for job.
// Fields keep a fixed order, which url.Values would not.
func EncodeForm(id Identity, job Job) string {
	fields := [][2]string{
		{FieldDevType, id.DevType},
		{FieldDevSN, id.DevSN},
		{FieldCounter, strconv.FormatInt(job.Counter, 10)},
		{FieldUID, job.UID},
		{FieldDateTime, job.Time.Format(TimeFormat)},
	}

	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(f[0]))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(f[1]))
	}
	return sb.String()
}
