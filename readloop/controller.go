package readloop

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotside-studios/nfc-readloop/nfc"
	"github.com/dotside-studios/nfc-readloop/upload"
)

// Status lines shown by the display layer.
const (
	StatusNoRadio        = "This device does not support NFC"
	StatusRadioDisabled  = "NFC is disabled. Tap here to enable."
	StatusReady          = "Tap an NFC card to read"
	StatusTagDiscovered  = "Tag Discovered"
	StatusReading        = "Reading Data"
	StatusReadError      = "Cont. Read Error"
	StatusTagRemoved     = "Tag Removed"
	StatusDiscoveryError = "Discovery Error"
	StatusPaused         = "Paused"
)

// Uploader receives one job per successful read. Submit must not block.
type Uploader interface {
	Submit(job upload.Job)
}

// Options configures a Controller. Zero values fall back to the defaults.
type Options struct {
	Clock  nfc.Clock
	Logger *log.Logger

	ReadInterval     time.Duration
	RearmInterval    time.Duration
	RearmStartDelay  time.Duration
	ResetSettle      time.Duration
	ResetEnableDelay time.Duration
	HistoryCap       int
	ReaderFlags      nfc.ReaderFlags
	PowerCycler      nfc.PowerCycler
	Uploader         Uploader
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ReadInterval:     DefaultReadInterval,
		RearmInterval:    DefaultRearmInterval,
		RearmStartDelay:  DefaultRearmStartDelay,
		ResetSettle:      DefaultResetSettle,
		ResetEnableDelay: DefaultResetEnableDelay,
		HistoryCap:       DefaultHistoryCap,
		ReaderFlags:      nfc.DefaultReaderFlags,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Clock == nil {
		o.Clock = nfc.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[readloop] ", log.LstdFlags)
	}
	if o.ReadInterval <= 0 {
		o.ReadInterval = d.ReadInterval
	}
	if o.RearmInterval <= 0 {
		o.RearmInterval = d.RearmInterval
	}
	if o.RearmStartDelay < 0 {
		o.RearmStartDelay = 0
	} else if o.RearmStartDelay == 0 {
		o.RearmStartDelay = d.RearmStartDelay
	}
	if o.ResetSettle <= 0 {
		o.ResetSettle = d.ResetSettle
	}
	if o.ResetEnableDelay <= 0 {
		o.ResetEnableDelay = d.ResetEnableDelay
	}
	if o.HistoryCap <= 0 {
		o.HistoryCap = d.HistoryCap
	}
	if o.ReaderFlags == 0 {
		o.ReaderFlags = d.ReaderFlags
	}
}

// Status is the live status display.
type Status struct {
	Line    string
	UID     string
	TagType string
	Techs   string
	Time    time.Time
	Counter int64
	Active  bool
	Polling bool
}

// Stats are cumulative counters since the controller was created.
type Stats struct {
	Counter         int64
	Discoveries     int64
	DiscoveryErrors int64
	Reads           int64
	ReadErrors      int64
	Departures      int64
	Rearms          int64
	Resets          int64
	ResetsAttempted int64
}

// Event is published to subscribers for every history entry and every
// status change.
type Event struct {
	Entry  *ReadEvent
	Status *Status
}

// Controller wires the Session, Rearmer and ResetCoordinator to a radio
// and owns everything the display layer reads: the history and error
// logs, the read counter and the status line.
//
// adapter may be nil when the machine has no radio.
type Controller struct {
	adapter nfc.Adapter
	opts    Options
	logger  *log.Logger
	loop    *Loop
	session *Session
	rearmer *Rearmer
	reset   *ResetCoordinator

	history *EventLog
	errs    *EventLog

	// loop-owned
	polling bool

	counter atomic.Int64
	stats   struct {
		discoveries, discoveryErrors, reads, readErrors, departures, rearms, resets, resetsAttempted atomic.Int64
	}

	statusMu sync.RWMutex
	status   Status

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int

	uploaderMu sync.RWMutex
	uploader   Uploader
}

// NewController creates a Controller. Call Start to run its loop and
// Resume to begin reading.
func NewController(adapter nfc.Adapter, opts Options) *Controller {
	opts.applyDefaults()

	c := &Controller{
		adapter:  adapter,
		opts:     opts,
		logger:   opts.Logger,
		history:  NewEventLog(opts.HistoryCap),
		errs:     NewEventLog(opts.HistoryCap),
		subs:     make(map[int]chan Event),
		uploader: opts.Uploader,
	}

	cycler := opts.PowerCycler
	if cycler == nil && adapter != nil {
		cycler = nfc.PowerCyclerFor(adapter)
	}

	c.loop = NewLoop(opts.Clock, c.logger)
	c.session = NewSession(c.loop, opts.ReadInterval, c, c.logger)
	c.rearmer = newRearmer(c.loop, adapter, c, opts.RearmInterval, c.logger)
	c.reset = newResetCoordinator(c.loop, cycler, opts.ResetSettle, opts.ResetEnableDelay, c.logger)
	c.status = Status{Line: c.radioStatusLine()}
	return c
}

// Loop exposes the task loop, mostly for tests that need to Flush it.
func (c *Controller) Loop() *Loop {
	return c.loop
}

// Start runs the task loop.
func (c *Controller) Start() {
	c.loop.Start()
}

// Stop pauses reading, waits for a running power cycle and stops the loop.
func (c *Controller) Stop() {
	if c.loop.Running() {
		done := make(chan struct{})
		c.loop.Post(func() {
			c.pause()
			close(done)
		})
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.logger.Println("Timed out waiting for pause")
		}
	}
	c.reset.Wait()
	c.loop.Stop()

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
}

// Resume power-cycles the radio, enables discovery and starts the
// re-arm ticker.
func (c *Controller) Resume() {
	c.loop.Post(c.resume)
}

// Pause stops the re-arm ticker and any session, and disables discovery.
func (c *Controller) Pause() {
	c.loop.Post(c.pause)
}

// SetUploader replaces the uploader used for subsequent reads.
func (c *Controller) SetUploader(u Uploader) {
	c.uploaderMu.Lock()
	defer c.uploaderMu.Unlock()
	c.uploader = u
}

// History returns the history log, newest first.
func (c *Controller) History() []ReadEvent {
	return c.history.Entries()
}

// Errors returns the error log, newest first.
func (c *Controller) Errors() []ReadEvent {
	return c.errs.Entries()
}

// Status returns a snapshot of the live status.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Stats returns a snapshot of the cumulative counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Counter:         c.counter.Load(),
		Discoveries:     c.stats.discoveries.Load(),
		DiscoveryErrors: c.stats.discoveryErrors.Load(),
		Reads:           c.stats.reads.Load(),
		ReadErrors:      c.stats.readErrors.Load(),
		Departures:      c.stats.departures.Load(),
		Rearms:          c.stats.rearms.Load(),
		Resets:          c.stats.resets.Load(),
		ResetsAttempted: c.stats.resetsAttempted.Load(),
	}
}

// Subscribe returns a channel receiving every new history entry and
// status change, and a function to unsubscribe. Slow subscribers miss
// events rather than stalling the loop.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Controller) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// --- loop-side state ---

func (c *Controller) pollingEnabled() bool  { return c.polling }
func (c *Controller) resetInProgress() bool { return c.reset.InProgress() }
func (c *Controller) sessionActive() bool   { return c.session.Active() }

func (c *Controller) cycleDiscovery() error {
	if err := c.adapter.DisableReaderMode(); err != nil {
		c.logger.Printf("Error disabling reader mode: %v", err)
	}
	if err := c.enableDiscovery(); err != nil {
		return err
	}
	c.stats.rearms.Add(1)
	return nil
}

func (c *Controller) enableDiscovery() error {
	if c.adapter == nil {
		return nfc.ErrNotEnabled
	}
	return c.adapter.EnableReaderMode(c.onTagDiscovered, c.opts.ReaderFlags)
}

func (c *Controller) resume() {
	if c.polling {
		return
	}
	c.setStatus(func(s *Status) { s.Line = c.radioStatusLine() })
	if c.adapter == nil {
		return
	}

	c.polling = true
	c.stats.resets.Add(1)
	c.reset.Reset(c.afterReset)
	c.rearmer.Start(c.opts.RearmInterval + c.opts.RearmStartDelay)
	c.setStatus(func(s *Status) { s.Polling = true })
}

func (c *Controller) afterReset(attempted bool) {
	if attempted {
		c.stats.resetsAttempted.Add(1)
	}
	if !c.polling {
		return
	}
	c.setStatus(func(s *Status) { s.Line = c.radioStatusLine() })
	if !c.adapter.IsEnabled() {
		return
	}
	if err := c.enableDiscovery(); err != nil {
		c.logger.Printf("Error enabling reader mode: %v", err)
	}
}

func (c *Controller) pause() {
	c.polling = false
	c.rearmer.Stop()
	c.reset.Cancel()
	c.session.Stop()
	if c.adapter != nil {
		if err := c.adapter.DisableReaderMode(); err != nil {
			c.logger.Printf("Error disabling reader mode: %v", err)
		}
	}
	c.setStatus(func(s *Status) {
		s.Active = false
		s.Polling = false
		if c.adapter != nil {
			s.Line = StatusPaused
		}
	})
}

// rearmAfterFault re-enables discovery so the tag, or a new one, is
// reported again.
func (c *Controller) rearmAfterFault() {
	if !c.polling || c.adapter == nil || c.reset.InProgress() {
		return
	}
	if err := c.cycleDiscovery(); err != nil {
		c.logger.Printf("Error re-arming reader mode: %v", err)
	}
}

// onTagDiscovered is the adapter callback. It may run on any goroutine.
func (c *Controller) onTagDiscovered(tag nfc.Tag) {
	c.loop.Post(func() { c.handleDiscovery(tag) })
}

func (c *Controller) handleDiscovery(tag nfc.Tag) {
	if !c.polling {
		c.logger.Println("Ignoring discovery while paused")
		return
	}
	now := c.opts.Clock.Now()

	if err := validateTag(tag); err != nil {
		c.logger.Printf("Error during tag discovery: %v", err)
		c.stats.discoveryErrors.Add(1)
		ev := ReadEvent{
			Seq:    c.counter.Add(1),
			Time:   now,
			Kind:   KindDiscoveryError,
			Result: errorMessage(err),
		}
		c.history.Add(ev)
		c.errs.Add(ev)
		c.publish(Event{Entry: &ev})
		c.setStatus(func(s *Status) {
			s.Line = StatusDiscoveryError
			s.UID = ""
			s.TagType = ""
			s.Techs = ""
			s.Time = now
			s.Counter = ev.Seq
		})
		return
	}

	c.session.Start(tag)
	c.stats.discoveries.Add(1)

	ev := ReadEvent{
		Seq:     c.counter.Add(1),
		UID:     nfc.FormatUID(tag.UID()),
		Time:    now,
		TagType: nfc.DetectTagType(tag),
		Kind:    KindDiscovered,
		Result:  nfc.JoinTechList(tag),
	}
	c.history.Add(ev)
	c.publish(Event{Entry: &ev})
	c.setStatus(func(s *Status) {
		s.Line = StatusTagDiscovered
		s.UID = ev.UID
		s.TagType = ev.TagType
		s.Techs = ev.Result
		s.Time = now
		s.Counter = ev.Seq
		s.Active = true
	})
}

// SessionRead implements SessionEvents.
func (c *Controller) SessionRead(tag nfc.Tag, result string) {
	now := c.opts.Clock.Now()
	c.stats.reads.Add(1)

	ev := ReadEvent{
		Seq:     c.counter.Add(1),
		UID:     nfc.FormatUID(tag.UID()),
		Time:    now,
		TagType: nfc.DetectTagType(tag),
		Kind:    KindRead,
		Result:  result,
	}
	c.history.Add(ev)
	c.publish(Event{Entry: &ev})
	c.setStatus(func(s *Status) {
		s.Line = StatusReading
		s.UID = ev.UID
		s.TagType = ev.TagType
		s.Techs = nfc.JoinTechList(tag)
		s.Time = now
		s.Counter = ev.Seq
		s.Active = true
	})

	c.submit(upload.Job{Counter: ev.Seq, UID: ev.UID, Time: now})
}

// SessionFault implements SessionEvents.
func (c *Controller) SessionFault(tag nfc.Tag, err error, departed bool) {
	now := c.opts.Clock.Now()

	if departed {
		c.stats.departures.Add(1)
		c.logger.Printf("Tag %s departed: %v", nfc.FormatUID(tag.UID()), err)
		c.setStatus(func(s *Status) {
			s.Line = StatusTagRemoved
			s.Active = false
		})
		c.rearmAfterFault()
		return
	}

	c.stats.readErrors.Add(1)
	c.logger.Printf("Error during continuous read: %v", err)
	ev := ReadEvent{
		Seq:     c.counter.Add(1),
		UID:     nfc.FormatUID(tag.UID()),
		Time:    now,
		TagType: nfc.DetectTagType(tag),
		Kind:    KindReadError,
		Result:  errorMessage(err),
	}
	c.history.Add(ev)
	c.errs.Add(ev)
	c.publish(Event{Entry: &ev})
	c.setStatus(func(s *Status) {
		s.Line = StatusReadError
		s.Counter = ev.Seq
		s.Active = false
	})
	c.rearmAfterFault()
}

func (c *Controller) submit(job upload.Job) {
	c.uploaderMu.RLock()
	u := c.uploader
	c.uploaderMu.RUnlock()
	if u == nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Printf("Upload submit panicked: %v", p)
		}
	}()
	u.Submit(job)
}

func (c *Controller) setStatus(update func(*Status)) {
	c.statusMu.Lock()
	update(&c.status)
	c.status.Counter = c.counter.Load()
	snapshot := c.status
	c.statusMu.Unlock()

	c.publish(Event{Status: &snapshot})
}

func (c *Controller) radioStatusLine() string {
	switch {
	case c.adapter == nil:
		return StatusNoRadio
	case !c.adapter.IsEnabled():
		return StatusRadioDisabled
	}
	return StatusReady
}

func validateTag(tag nfc.Tag) error {
	if tag == nil {
		return nfc.NewInvalidTagError("Tag is null")
	}
	if len(tag.UID()) == 0 {
		return nfc.NewInvalidTagError("Tag has no UID")
	}
	return nil
}

// errorMessage returns the innermost message of err, falling back to its
// type name when it has none.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var nfcErr *nfc.NFCError
	if errors.As(err, &nfcErr) && nfcErr.Message != "" && nfcErr.Cause == nil {
		return nfcErr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}
