package upload

import "github.com/dotside-studios/nfc-readloop/protocol"

// Payload converts the counters to their feed representation.
func (s Stats) Payload() *protocol.UploadStats {
	p := &protocol.UploadStats{
		Submitted:  s.Submitted,
		Suppressed: s.Suppressed,
		Dropped:    s.Dropped,
		Delivered:  s.Delivered,
		Failed:     s.Failed,
		Attempts:   make(map[string]int64, len(s.Strategies)),
		Successes:  make(map[string]int64, len(s.Strategies)),
	}
	for name, st := range s.Strategies {
		p.Attempts[string(name)] = st.Attempts
		p.Successes[string(name)] = st.Successes
	}
	if !s.Deadline.IsZero() {
		deadline := s.Deadline
		p.BackoffUntil = &deadline
	}
	return p
}
