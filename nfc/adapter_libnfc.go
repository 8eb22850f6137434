package nfc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	libnfc "github.com/clausecker/nfc/v2"
)

// Polling intervals
const (
	DefaultPollingInterval = 100 * time.Millisecond
	DeviceEnumRetries      = 3
)

// LibnfcAdapter implements Adapter, and PowerCycler, on top of a libnfc
// reader. Discovery runs in a goroutine that polls the field and reports
// each UID the first time it shows up; re-enabling reader mode forgets
// what was seen so a tag still in the field is reported again.
type LibnfcAdapter struct {
	connstring   string
	pollInterval time.Duration
	logger       *log.Logger

	// devMu serializes every libnfc call: the discovery poll and the
	// technology connect/close issued by the read loop share one device.
	devMu    sync.Mutex
	device   libnfc.Device
	open     bool
	linkOpen int

	mu       sync.Mutex
	callback ReaderCallback
	flags    ReaderFlags
	stopPoll chan struct{}
	pollDone chan struct{}
}

// LibnfcOption configures a LibnfcAdapter.
type LibnfcOption func(*LibnfcAdapter)

// WithPollInterval overrides the discovery poll interval.
func WithPollInterval(d time.Duration) LibnfcOption {
	return func(a *LibnfcAdapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// WithLibnfcLogger overrides the adapter logger.
func WithLibnfcLogger(l *log.Logger) LibnfcOption {
	return func(a *LibnfcAdapter) {
		a.logger = l
	}
}

// NewLibnfcAdapter opens the reader identified by connstring, or the
// first reader libnfc can find when connstring is empty.
func NewLibnfcAdapter(connstring string, opts ...LibnfcOption) (*LibnfcAdapter, error) {
	a := &LibnfcAdapter{
		connstring:   connstring,
		pollInterval: DefaultPollingInterval,
		logger:       log.New(os.Stderr, "[libnfc] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.connstring == "" {
		devices, err := listDevices()
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("no NFC devices found")
		}
		a.connstring = devices[0]
		a.logger.Printf("No specific device, using first available: %s", a.connstring)
	}

	if err := a.openDevice(); err != nil {
		return nil, err
	}
	return a, nil
}

func listDevices() ([]string, error) {
	var devices []string
	var err error
	for i := 0; i < DeviceEnumRetries; i++ {
		devices, err = libnfc.ListDevices()
		if err == nil {
			return devices, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("failed to list NFC devices after %d retries: %w", DeviceEnumRetries, err)
}

func (a *LibnfcAdapter) openDevice() error {
	dev, err := libnfc.Open(a.connstring)
	if err != nil {
		return fmt.Errorf("failed to open device %s: %w", a.connstring, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return fmt.Errorf("failed to initialize device %s: %w", a.connstring, err)
	}

	a.devMu.Lock()
	a.device = dev
	a.open = true
	a.devMu.Unlock()

	a.logger.Printf("Connected NFC device: %s (Connection: %s)", dev.String(), dev.Connection())
	return nil
}

// String describes the underlying reader.
func (a *LibnfcAdapter) String() string {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	if !a.open {
		return a.connstring + " (closed)"
	}
	return a.device.String()
}

// IsEnabled reports whether the reader is open.
func (a *LibnfcAdapter) IsEnabled() bool {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	return a.open
}

func (a *LibnfcAdapter) EnableReaderMode(cb ReaderCallback, flags ReaderFlags) error {
	if !a.IsEnabled() {
		return ErrNotEnabled
	}
	if flags&FlagReaderNfcA == 0 {
		// libnfc discovery here only speaks ISO14443A
		return NewNotSupportedError("EnableReaderMode without NfcA")
	}

	a.stopPolling()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = cb
	a.flags = flags
	a.stopPoll = make(chan struct{})
	a.pollDone = make(chan struct{})
	go a.poll(a.stopPoll, a.pollDone, cb)
	return nil
}

func (a *LibnfcAdapter) DisableReaderMode() error {
	a.stopPolling()
	return nil
}

func (a *LibnfcAdapter) stopPolling() {
	a.mu.Lock()
	stop, done := a.stopPoll, a.pollDone
	a.stopPoll, a.pollDone = nil, nil
	a.callback = nil
	a.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Disable closes the reader, dropping the radio link entirely.
func (a *LibnfcAdapter) Disable() error {
	a.stopPolling()

	a.devMu.Lock()
	defer a.devMu.Unlock()
	if !a.open {
		return nil
	}
	a.open = false
	a.linkOpen = 0
	if err := a.device.Close(); err != nil {
		return fmt.Errorf("closing device %s: %w", a.connstring, err)
	}
	return nil
}

// Enable reopens and reinitializes the reader after Disable.
func (a *LibnfcAdapter) Enable() error {
	if a.IsEnabled() {
		return nil
	}
	return a.openDevice()
}

// Close releases the reader.
func (a *LibnfcAdapter) Close() error {
	return a.Disable()
}

func (a *LibnfcAdapter) poll(stop <-chan struct{}, done chan<- struct{}, cb ReaderCallback) {
	defer close(done)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	seen := make(map[string]bool)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		tags, err := a.scan()
		if err != nil {
			a.logger.Printf("Discovery poll failed: %v", err)
			continue
		}
		if tags == nil {
			// link held by the read loop, field state unknown
			continue
		}

		current := make(map[string]bool, len(tags))
		for _, tag := range tags {
			uid := hex.EncodeToString(tag.UID())
			current[uid] = true
			if seen[uid] {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			cb(tag)
		}
		seen = current
	}
}

// scan lists the tags in the field. It returns nil, nil when a
// technology link is open and the device must not be disturbed.
func (a *LibnfcAdapter) scan() ([]Tag, error) {
	a.devMu.Lock()
	defer a.devMu.Unlock()

	if !a.open {
		return nil, ErrNotEnabled
	}
	if a.linkOpen > 0 {
		return nil, nil
	}

	found := []Tag{}
	processed := make(map[string]bool)

	ffTags, ffErr := freefare.GetTags(a.device)
	if ffErr != nil {
		a.logger.Printf("Error getting tags from freefare.GetTags: %v", ffErr)
	}
	for _, ffTag := range ffTags {
		tag := a.wrapFreefareTag(ffTag)
		if tag == nil {
			continue
		}
		key := hex.EncodeToString(tag.UID())
		if processed[key] {
			continue
		}
		processed[key] = true
		found = append(found, tag)
	}

	modulation := libnfc.Modulation{Type: libnfc.ISO14443a, BaudRate: libnfc.Nbr106}
	targets, listErr := a.device.InitiatorListPassiveTargets(modulation)
	if listErr != nil {
		if ffErr != nil && len(found) == 0 {
			return nil, fmt.Errorf("freefare (%v) and passive targets: %w", ffErr, a.classify("ListPassiveTargets", listErr))
		}
		return found, nil
	}
	for _, target := range targets {
		isoA, ok := target.(*libnfc.ISO14443aTarget)
		if !ok || isoA.UIDLen == 0 || int(isoA.UIDLen) > len(isoA.UID) {
			continue
		}
		uid := append([]byte(nil), isoA.UID[:isoA.UIDLen]...)
		key := hex.EncodeToString(uid)
		if processed[key] {
			continue
		}
		processed[key] = true

		techs := []TechType{TechNfcA}
		// SAK bit 5 marks ISO14443-4 compliance
		if isoA.Sak&0x20 != 0 {
			techs = append(techs, TechIsoDep)
		}
		found = append(found, newLibnfcTag(uid, techs, func(t TechType) Technology {
			return &selectTech{adapter: a, techType: t, modulation: modulation, uid: uid}
		}))
	}
	return found, nil
}

func (a *LibnfcAdapter) wrapFreefareTag(ffTag freefare.Tag) Tag {
	uid, err := hex.DecodeString(strings.TrimSpace(ffTag.UID()))
	if err != nil || len(uid) == 0 {
		a.logger.Printf("Skipping freefare tag with unreadable UID %q: %v", ffTag.UID(), err)
		return nil
	}

	switch t := ffTag.(type) {
	case freefare.UltralightTag:
		return newLibnfcTag(uid, []TechType{TechNfcA, TechMifareUltralight, TechNDEF}, func(tt TechType) Technology {
			if tt == TechNDEF {
				return &ultralightNDEFTech{freefareTech: freefareTech{adapter: a, techType: tt, tag: t}, tag: t}
			}
			return &freefareTech{adapter: a, techType: tt, tag: t}
		})
	case freefare.ClassicTag:
		return newLibnfcTag(uid, []TechType{TechNfcA, TechMifareClassic}, func(tt TechType) Technology {
			return &freefareTech{adapter: a, techType: tt, tag: t}
		})
	case freefare.DESFireTag:
		return newLibnfcTag(uid, []TechType{TechNfcA, TechIsoDep}, func(tt TechType) Technology {
			return &freefareTech{adapter: a, techType: tt, tag: t}
		})
	default:
		return newLibnfcTag(uid, []TechType{TechNfcA}, func(tt TechType) Technology {
			return &freefareTech{adapter: a, techType: tt, tag: ffTag}
		})
	}
}

// classify maps libnfc driver errors onto the error taxonomy the read
// loop understands.
func (a *LibnfcAdapter) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, libnfc.Error(libnfc.ETGRELEASED)), errors.Is(err, libnfc.Error(libnfc.ERFTRANS)):
		return NewTagLostError(op, err)
	case errors.Is(err, libnfc.Error(libnfc.EIO)):
		return fmt.Errorf("%s: %w: %v", op, ErrIO, err)
	}
	return err
}

// libnfcTag is a Tag found by a LibnfcAdapter poll.
type libnfcTag struct {
	uid   []byte
	techs []TechType

	mu      sync.Mutex
	handles map[TechType]Technology
	factory func(TechType) Technology
}

func newLibnfcTag(uid []byte, techs []TechType, factory func(TechType) Technology) *libnfcTag {
	return &libnfcTag{
		uid:     uid,
		techs:   techs,
		handles: make(map[TechType]Technology, len(techs)),
		factory: factory,
	}
}

func (t *libnfcTag) UID() []byte          { return t.uid }
func (t *libnfcTag) TechList() []TechType { return append([]TechType(nil), t.techs...) }

func (t *libnfcTag) Tech(tt TechType) Technology {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[tt]; ok {
		return h
	}
	for _, have := range t.techs {
		if have == tt {
			h := t.factory(tt)
			t.handles[tt] = h
			return h
		}
	}
	return nil
}

// freefareTech drives a link through freefare's tag connect/disconnect.
type freefareTech struct {
	adapter   *LibnfcAdapter
	techType  TechType
	tag       freefare.Tag
	connected bool
}

func (f *freefareTech) Type() TechType { return f.techType }

func (f *freefareTech) IsConnected() bool {
	f.adapter.devMu.Lock()
	defer f.adapter.devMu.Unlock()
	return f.connected
}

func (f *freefareTech) Connect() error {
	f.adapter.devMu.Lock()
	defer f.adapter.devMu.Unlock()
	if !f.adapter.open {
		return NewTagLostError("Connect", ErrNotEnabled)
	}
	if f.connected {
		return nil
	}
	if err := f.tag.Connect(); err != nil {
		return f.adapter.classify("Connect", err)
	}
	f.connected = true
	f.adapter.linkOpen++
	return nil
}

func (f *freefareTech) Close() error {
	f.adapter.devMu.Lock()
	defer f.adapter.devMu.Unlock()
	if !f.connected {
		return nil
	}
	f.connected = false
	if f.adapter.linkOpen > 0 {
		f.adapter.linkOpen--
	}
	if err := f.tag.Disconnect(); err != nil {
		return f.adapter.classify("Close", err)
	}
	return nil
}

// ultralightNDEFTech reads the NDEF TLV header from the Ultralight user
// pages to report the message length.
type ultralightNDEFTech struct {
	freefareTech
	tag freefare.UltralightTag
}

// Ultralight user memory starts at page 4; the TLV header always fits in
// the first few pages unless lock/memory control TLVs precede it.
const (
	ultralightFirstUserPage = 4
	ultralightHeaderPages   = 4
)

func (u *ultralightNDEFTech) MessageSize() (int, error) {
	u.adapter.devMu.Lock()
	defer u.adapter.devMu.Unlock()
	if !u.connected {
		return 0, Errorf(ErrCodeReadFailed, "MessageSize", "not connected")
	}

	var buf []byte
	for p := 0; p < ultralightHeaderPages; p++ {
		page, err := u.tag.ReadPage(byte(ultralightFirstUserPage + p))
		if err != nil {
			return 0, u.adapter.classify("MessageSize", err)
		}
		buf = append(buf, page[:]...)
	}
	n, err := ndefTLVLength(buf)
	if err != nil {
		return 0, NewReadError("MessageSize", err)
	}
	return n, nil
}

// selectTech opens a link by selecting an ISO14443A target by UID; used
// for tags freefare does not know.
type selectTech struct {
	adapter    *LibnfcAdapter
	techType   TechType
	modulation libnfc.Modulation
	uid        []byte
	connected  bool
}

func (s *selectTech) Type() TechType { return s.techType }

func (s *selectTech) IsConnected() bool {
	s.adapter.devMu.Lock()
	defer s.adapter.devMu.Unlock()
	return s.connected
}

func (s *selectTech) Connect() error {
	s.adapter.devMu.Lock()
	defer s.adapter.devMu.Unlock()
	if !s.adapter.open {
		return NewTagLostError("Connect", ErrNotEnabled)
	}
	if s.connected {
		return nil
	}
	if _, err := s.adapter.device.InitiatorSelectPassiveTarget(s.modulation, s.uid); err != nil {
		return s.adapter.classify("Connect", err)
	}
	s.connected = true
	s.adapter.linkOpen++
	return nil
}

func (s *selectTech) Close() error {
	s.adapter.devMu.Lock()
	defer s.adapter.devMu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	if s.adapter.linkOpen > 0 {
		s.adapter.linkOpen--
	}
	if err := s.adapter.device.InitiatorDeselectTarget(); err != nil {
		return s.adapter.classify("Close", err)
	}
	return nil
}
