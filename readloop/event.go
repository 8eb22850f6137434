package readloop

import (
	"fmt"
	"time"
)

// TimeFormat is the timestamp layout used in history entries and uploads.
const TimeFormat = "2006-01-02 15:04:05"

// EventKind classifies a ReadEvent.
type EventKind string

const (
	KindDiscovered     EventKind = "discovered"
	KindRead           EventKind = "read"
	KindReadError      EventKind = "read_error"
	KindDiscoveryError EventKind = "discovery_error"
)

// ReadEvent is one immutable entry of the history or error log.
type ReadEvent struct {
	Seq     int64
	UID     string
	Time    time.Time
	TagType string
	Kind    EventKind
	// Result is the read outcome for KindRead, the tech list for
	// KindDiscovered and the error message for the error kinds.
	Result string
}

// IsError reports whether the event belongs in the error log.
func (e ReadEvent) IsError() bool {
	return e.Kind == KindReadError || e.Kind == KindDiscoveryError
}

// Summary renders the event as the multi-line text shown in the history.
func (e ReadEvent) Summary() string {
	ts := e.Time.Format(TimeFormat)
	switch e.Kind {
	case KindDiscovered:
		return fmt.Sprintf("Discovered\n%s\n%s\n%s\n%s", ts, e.TagType, e.UID, e.Result)
	case KindRead:
		return fmt.Sprintf("Read Data\n%s\n%s\n%s\n%s", ts, e.TagType, e.UID, e.Result)
	case KindReadError:
		return fmt.Sprintf("Cont. Read ERROR\n%s\n%s", ts, e.Result)
	case KindDiscoveryError:
		return fmt.Sprintf("%s | ERROR | %s", ts, e.Result)
	}
	return fmt.Sprintf("%s\n%s", ts, e.Result)
}
