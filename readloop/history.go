package readloop

import "sync"

// DefaultHistoryCap is the number of entries kept by each EventLog.
const DefaultHistoryCap = 200

// EventLog is a capped, head-inserted list of events. The newest entry is
// at index 0; once the cap is reached every insertion evicts the oldest.
// Safe for concurrent use.
type EventLog struct {
	mu      sync.RWMutex
	cap     int
	entries []ReadEvent
}

// NewEventLog creates an EventLog holding at most capacity entries.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &EventLog{cap: capacity, entries: make([]ReadEvent, 0, capacity)}
}

// Add inserts e at the head and evicts the oldest entry past the cap.
func (l *EventLog) Add(e ReadEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < l.cap {
		l.entries = append(l.entries, ReadEvent{})
	}
	copy(l.entries[1:], l.entries[:len(l.entries)-1])
	l.entries[0] = e
}

// Entries returns a copy of the log, newest first.
func (l *EventLog) Entries() []ReadEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]ReadEvent(nil), l.entries...)
}

// Head returns the newest entry.
func (l *EventLog) Head() (ReadEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return ReadEvent{}, false
	}
	return l.entries[0], true
}

// Len returns the number of entries held.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Cap returns the maximum number of entries kept.
func (l *EventLog) Cap() int {
	return l.cap
}
