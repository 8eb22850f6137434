package readloop

import (
	"fmt"
	"log"
	"time"

	"github.com/dotside-studios/nfc-readloop/nfc"
)

// DefaultReadInterval is the period between read ticks of a session.
const DefaultReadInterval = 500 * time.Millisecond

// techPriority is the order technologies are tried in: the data-oriented
// NDEF first, then the generic link technologies.
var techPriority = []nfc.TechType{
	nfc.TechNDEF,
	nfc.TechIsoDep,
	nfc.TechNfcA,
	nfc.TechNfcB,
	nfc.TechNfcF,
	nfc.TechNfcV,
	nfc.TechMifareClassic,
	nfc.TechMifareUltralight,
}

// SessionEvents receives the outcome of every read tick. Both methods run
// on the loop goroutine.
type SessionEvents interface {
	// SessionRead is called after a successful read.
	SessionRead(tag nfc.Tag, result string)

	// SessionFault is called after the session stopped itself because of
	// err. departed is true for link loss and radio I/O failures.
	SessionFault(tag nfc.Tag, err error, departed bool)
}

// Session runs a fixed-cadence read loop against the tag currently in the
// field. Each tick opens one technology, performs one read and closes it
// again; no link is held between ticks.
//
// All methods must be called on the Loop goroutine.
type Session struct {
	loop   *Loop
	period time.Duration
	events SessionEvents
	logger *log.Logger

	active  bool
	tag     nfc.Tag
	pending *Task
	gen     uint64
}

// NewSession creates an idle Session posting its ticks to loop.
func NewSession(loop *Loop, period time.Duration, events SessionEvents, logger *log.Logger) *Session {
	if period <= 0 {
		period = DefaultReadInterval
	}
	return &Session{
		loop:   loop,
		period: period,
		events: events,
		logger: logger,
	}
}

// Active reports whether a tag is installed and being read.
func (s *Session) Active() bool {
	return s.active
}

// Tag returns the current tag, or nil when idle.
func (s *Session) Tag() nfc.Tag {
	return s.tag
}

// Start retires any running session and begins reading tag, with the
// first tick posted immediately.
func (s *Session) Start(tag nfc.Tag) {
	if s.active {
		s.Stop()
	}
	s.tag = tag
	s.active = true
	gen := s.gen
	s.pending = s.loop.Post(func() { s.tick(gen) })
}

// Stop cancels the pending tick, closes every connected technology of the
// tag and returns to idle. Stopping an idle session is a no-op.
func (s *Session) Stop() {
	s.gen++
	s.pending.Cancel()
	s.pending = nil

	if s.tag != nil {
		for _, tt := range s.tag.TechList() {
			s.closeTech(s.tag.Tech(tt))
		}
	}
	s.tag = nil
	s.active = false
}

func (s *Session) tick(gen uint64) {
	if gen != s.gen || !s.active || s.tag == nil {
		return
	}
	s.pending = nil
	tag := s.tag

	result, err := s.readOnce(tag)
	if err != nil {
		departed := nfc.IsTagDepartedError(err)
		s.Stop()
		s.events.SessionFault(tag, err, departed)
		return
	}

	s.events.SessionRead(tag, result)

	// the callback may have stopped or replaced the session
	if gen != s.gen || !s.active {
		return
	}
	s.pending = s.loop.PostDelayed(s.period, func() { s.tick(gen) })
}

// readOnce performs exactly one logical read and closes the technology
// it used.
func (s *Session) readOnce(tag nfc.Tag) (result string, err error) {
	tech := SelectTech(tag)
	if tech == nil {
		return "", nfc.ErrNoTechnology
	}

	if !tech.IsConnected() {
		if err := tech.Connect(); err != nil {
			return "", err
		}
	}
	defer s.closeTech(tech)

	if ndef, ok := tech.(nfc.NDEFTechnology); ok && tech.Type() == nfc.TechNDEF && ndef.IsConnected() {
		size, err := ndef.MessageSize()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NDEF Message Length: %d bytes", size), nil
	}
	return fmt.Sprintf("Connected to %s", tech.Type()), nil
}

// closeTech closes tech if it is connected. Failures, panics included,
// are logged and otherwise ignored.
func (s *Session) closeTech(tech nfc.Technology) {
	if tech == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Closing %s panicked: %v", tech.Type(), r)
		}
	}()
	if !tech.IsConnected() {
		return
	}
	if err := tech.Close(); err != nil {
		s.logger.Printf("Error closing %s: %v", tech.Type(), err)
	}
}

// SelectTech picks the technology a read tick uses: NDEF when present,
// otherwise the first generic link technology in priority order, otherwise
// the first technology of any kind. It returns nil if none is usable.
func SelectTech(tag nfc.Tag) nfc.Technology {
	if tag == nil {
		return nil
	}
	for _, tt := range techPriority {
		if !nfc.HasTech(tag, tt) {
			continue
		}
		if tech := tag.Tech(tt); tech != nil {
			return tech
		}
	}
	for _, tt := range tag.TechList() {
		if tech := tag.Tech(tt); tech != nil {
			return tech
		}
	}
	return nil
}
