package readloop

import "github.com/dotside-studios/nfc-readloop/protocol"

// Entry converts the event to its feed representation.
func (e ReadEvent) Entry() protocol.Entry {
	return protocol.Entry{
		Seq:     e.Seq,
		UID:     e.UID,
		Time:    e.Time.Format(TimeFormat),
		TagType: e.TagType,
		Kind:    string(e.Kind),
		Result:  e.Result,
		Summary: e.Summary(),
	}
}

// Entries converts a log snapshot, keeping its order.
func Entries(events []ReadEvent) []protocol.Entry {
	out := make([]protocol.Entry, len(events))
	for i, e := range events {
		out[i] = e.Entry()
	}
	return out
}

// Payload converts the status to its feed representation.
func (s Status) Payload() protocol.Status {
	p := protocol.Status{
		Line:    s.Line,
		UID:     s.UID,
		TagType: s.TagType,
		Techs:   s.Techs,
		Counter: s.Counter,
		Active:  s.Active,
		Polling: s.Polling,
	}
	if !s.Time.IsZero() {
		p.Time = s.Time.Format(TimeFormat)
	}
	return p
}

// Payload converts the counters to their feed representation.
func (s Stats) Payload() protocol.Stats {
	return protocol.Stats{
		Counter:         s.Counter,
		Discoveries:     s.Discoveries,
		DiscoveryErrors: s.DiscoveryErrors,
		Reads:           s.Reads,
		ReadErrors:      s.ReadErrors,
		Departures:      s.Departures,
		Rearms:          s.Rearms,
		Resets:          s.Resets,
		ResetsAttempted: s.ResetsAttempted,
	}
}
