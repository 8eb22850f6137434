package readloop

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/nfc-readloop/nfc"
	"github.com/dotside-studios/nfc-readloop/upload"
)

// recordingUploader keeps every submitted job.
type recordingUploader struct {
	mu    sync.Mutex
	jobs  []upload.Job
	panic bool
}

func (u *recordingUploader) Submit(job upload.Job) {
	u.mu.Lock()
	u.jobs = append(u.jobs, job)
	p := u.panic
	u.mu.Unlock()
	if p {
		panic("uploader exploded")
	}
}

func (u *recordingUploader) list() []upload.Job {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upload.Job(nil), u.jobs...)
}

type controllerFixture struct {
	t        *testing.T
	clock    *nfc.FakeClock
	adapter  *nfc.MockAdapter
	uploader *recordingUploader
	ctrl     *Controller
}

func newControllerFixture(t *testing.T, tweak func(*Options)) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		t:        t,
		clock:    nfc.NewFakeClock(time.Date(2024, 3, 5, 9, 8, 7, 0, time.Local)),
		adapter:  nfc.NewMockAdapter(),
		uploader: &recordingUploader{},
	}
	opts := Options{
		Clock:    f.clock,
		Logger:   quietLogger(),
		Uploader: f.uploader,
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.ctrl = NewController(f.adapter, opts)
	f.ctrl.Start()
	t.Cleanup(f.ctrl.Stop)
	return f
}

func (f *controllerFixture) flush() {
	f.ctrl.Loop().Flush()
}

func (f *controllerFixture) advance(d time.Duration) {
	advanceLoop(f.ctrl.Loop(), f.clock, d)
}

// eventually steps the clock until cond holds; worker goroutines such as
// the power cycle need real time to reach their next step.
func (f *controllerFixture) eventually(what string, cond func() bool) {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			f.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
		f.clock.Advance(5 * time.Millisecond)
		f.flush()
	}
}

// resume resumes the controller and waits for discovery to come up.
func (f *controllerFixture) resume() {
	f.t.Helper()
	f.ctrl.Resume()
	f.eventually("reader mode", f.adapter.ReaderModeActive)
}

func (f *controllerFixture) discover(tag nfc.Tag) {
	f.t.Helper()
	if err := f.adapter.Discover(tag); err != nil {
		f.t.Fatalf("Discover() failed: %v", err)
	}
	f.flush()
}

func (f *controllerFixture) onLoop(fn func()) {
	f.ctrl.Loop().Post(fn)
	f.flush()
}

func countKind(events []ReadEvent, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestController_InitialStatus(t *testing.T) {
	f := newControllerFixture(t, nil)
	if got := f.ctrl.Status().Line; got != StatusReady {
		t.Errorf("status = %q, want %q", got, StatusReady)
	}

	noRadio := NewController(nil, Options{Clock: f.clock, Logger: quietLogger()})
	noRadio.Start()
	defer noRadio.Stop()
	noRadio.Resume()
	noRadio.Loop().Flush()
	if got := noRadio.Status().Line; got != StatusNoRadio {
		t.Errorf("status without radio = %q, want %q", got, StatusNoRadio)
	}
}

func TestController_ResumeEnablesDiscovery(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	if got := f.adapter.Flags(); got != nfc.DefaultReaderFlags {
		t.Errorf("flags = %b, want %b", got, nfc.DefaultReaderFlags)
	}
	st := f.ctrl.Status()
	if st.Line != StatusReady || !st.Polling {
		t.Errorf("status = %+v", st)
	}
	if got := f.ctrl.Stats().Resets; got != 1 {
		t.Errorf("resets = %d, want 1", got)
	}
}

func TestController_RadioDisabled(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.adapter.SetEnabled(false)

	f.ctrl.Resume()
	f.eventually("reset to finish", func() bool {
		var done bool
		f.onLoop(func() { done = !f.ctrl.reset.InProgress() })
		return done
	})

	if got := f.ctrl.Status().Line; got != StatusRadioDisabled {
		t.Errorf("status = %q, want %q", got, StatusRadioDisabled)
	}
	if f.adapter.CountCalls("EnableReaderMode") != 0 {
		t.Error("discovery enabled on a disabled radio")
	}

	f.advance(3 * time.Second)
	if f.adapter.CountCalls("EnableReaderMode") != 0 {
		t.Error("re-armer toggled discovery on a disabled radio")
	}
}

func TestController_EndToEndReadAndUpload(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	tag := nfc.NewMockTag([]byte{0x04, 0xA1, 0xB2, 0xC3}, nfc.TechNfcA, nfc.TechNDEF)
	tag.MockTech(nfc.TechNDEF).MessageSizeValue = 27
	before := len(f.ctrl.History())

	f.discover(tag)

	history := f.ctrl.History()
	if len(history)-before != 2 {
		t.Fatalf("history grew by %d, want 2 (discovered + read)", len(history)-before)
	}
	head := history[0]
	if head.Kind != KindRead || head.UID != "04:A1:B2:C3" || head.Result != "NDEF Message Length: 27 bytes" {
		t.Errorf("head = %+v", head)
	}
	if !strings.Contains(head.Summary(), "04:A1:B2:C3") || !strings.Contains(head.Summary(), "NDEF Message Length") {
		t.Errorf("summary = %q", head.Summary())
	}
	if history[1].Kind != KindDiscovered || history[1].Result != "NfcA, Ndef" {
		t.Errorf("discovered entry = %+v", history[1])
	}

	jobs := f.uploader.list()
	if len(jobs) != 1 {
		t.Fatalf("uploads = %d, want 1", len(jobs))
	}
	if jobs[0].Counter != head.Seq || jobs[0].UID != "04:A1:B2:C3" {
		t.Errorf("job = %+v", jobs[0])
	}
	body := upload.EncodeForm(upload.Identity{DevType: "linux", DevSN: "x"}, jobs[0])
	if !strings.Contains(body, "NFC-UID=04%3AA1%3AB2%3AC3") {
		t.Errorf("body = %s", body)
	}

	st := f.ctrl.Status()
	if st.Line != StatusReading || st.UID != "04:A1:B2:C3" || st.Counter != head.Seq {
		t.Errorf("status = %+v", st)
	}
}

func TestController_LinkLossThenFreshSession(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	tag := nfc.NewMockTag([]byte{0x04, 0x01}, nfc.TechNDEF)
	f.discover(tag)
	f.advance(600 * time.Millisecond) // second tick

	enables := f.adapter.CountCalls("EnableReaderMode")
	disables := f.adapter.CountCalls("DisableReaderMode")
	tag.MockTech(nfc.TechNDEF).SetMessageSizeError(nfc.NewTagLostError("MessageSize", nil))
	f.advance(500 * time.Millisecond)

	if n := len(f.ctrl.Errors()); n != 0 {
		t.Errorf("error log = %d entries, want 0 for a departed tag", n)
	}
	if got := countKind(f.ctrl.History(), KindReadError); got != 0 {
		t.Errorf("history has %d read errors, want 0", got)
	}
	st := f.ctrl.Status()
	if st.Line != StatusTagRemoved || st.Active {
		t.Errorf("status = %+v", st)
	}
	if f.adapter.CountCalls("DisableReaderMode") <= disables || f.adapter.CountCalls("EnableReaderMode") <= enables {
		t.Error("discovery not re-armed after departure")
	}
	if got := f.ctrl.Stats().Departures; got != 1 {
		t.Errorf("departures = %d, want 1", got)
	}

	reads := countKind(f.ctrl.History(), KindRead)
	next := nfc.NewMockTag([]byte{0x04, 0x02}, nfc.TechNfcA)
	f.discover(next)

	var active bool
	f.onLoop(func() { active = f.ctrl.session.Active() })
	if !active {
		t.Fatal("fresh discovery did not start a session")
	}
	if got := countKind(f.ctrl.History(), KindRead); got != reads+1 {
		t.Errorf("reads = %d, want %d", got, reads+1)
	}
	if head := f.ctrl.History()[0]; head.UID != "04:02" {
		t.Errorf("head UID = %q, want 04:02", head.UID)
	}
}

func TestController_UnexpectedFaultIsSurfaced(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	tag := nfc.NewMockTag([]byte{0x0A}, nfc.TechIsoDep)
	tag.MockTech(nfc.TechIsoDep).SetConnectError(errors.New("protocol violation"))
	f.discover(tag)

	errs := f.ctrl.Errors()
	if len(errs) != 1 || errs[0].Kind != KindReadError || errs[0].Result != "protocol violation" {
		t.Fatalf("errors = %+v", errs)
	}
	head := f.ctrl.History()[0]
	if head.Kind != KindReadError || head.Seq != errs[0].Seq {
		t.Errorf("history head = %+v", head)
	}
	if got := f.ctrl.Status().Line; got != StatusReadError {
		t.Errorf("status = %q, want %q", got, StatusReadError)
	}
	if len(f.uploader.list()) != 0 {
		t.Error("a failed read was uploaded")
	}
}

func TestController_DiscoveryErrors(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	f.discover(nil)
	f.discover(nfc.NewMockTag(nil, nfc.TechNfcA))

	errs := f.ctrl.Errors()
	if len(errs) != 2 {
		t.Fatalf("errors = %d, want 2", len(errs))
	}
	if errs[1].Result != "Tag is null" || errs[0].Result != "Tag has no UID" {
		t.Errorf("messages = %q, %q", errs[1].Result, errs[0].Result)
	}
	if !strings.Contains(errs[0].Summary(), " | ERROR | ") {
		t.Errorf("summary = %q", errs[0].Summary())
	}
	if got := f.ctrl.Status().Line; got != StatusDiscoveryError {
		t.Errorf("status = %q, want %q", got, StatusDiscoveryError)
	}

	var active bool
	f.onLoop(func() { active = f.ctrl.session.Active() })
	if active {
		t.Error("a malformed discovery started a session")
	}
}

func TestController_AtMostOneSession(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	tags := make([]*nfc.MockTag, 5)
	for i := range tags {
		tags[i] = nfc.NewMockTag([]byte{byte(i + 1)}, nfc.TechNfcA, nfc.TechIsoDep)
		// discoveries queue up back to back before the loop runs them
		f.adapter.Discover(tags[i])
	}
	f.flush()
	f.advance(1100 * time.Millisecond)

	last := tags[len(tags)-1]
	for _, e := range f.ctrl.History() {
		if e.Kind == KindRead && e.UID != nfc.FormatUID(last.UID()) {
			t.Errorf("read from a retired session: %+v", e)
		}
	}
	for _, tag := range tags {
		for _, tt := range tag.TechList() {
			if tag.MockTech(tt).IsConnected() {
				t.Errorf("tag %X tech %s left connected", tag.UID(), tt)
			}
		}
	}
	if got := f.ctrl.Stats().Discoveries; got != 5 {
		t.Errorf("discoveries = %d, want 5", got)
	}
}

func TestController_LogsAreCapped(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	for i := 0; i < 150; i++ {
		f.discover(nfc.NewMockTag([]byte{0x04, byte(i)}, nfc.TechNfcA))
	}
	for i := 0; i < 210; i++ {
		f.discover(nil)
	}

	history, errs := f.ctrl.History(), f.ctrl.Errors()
	if len(history) != DefaultHistoryCap {
		t.Errorf("history = %d, want %d", len(history), DefaultHistoryCap)
	}
	if len(errs) != DefaultHistoryCap {
		t.Errorf("errors = %d, want %d", len(errs), DefaultHistoryCap)
	}
	if errs[0].Seq != f.ctrl.Stats().Counter {
		t.Errorf("error head Seq = %d, want the latest counter %d", errs[0].Seq, f.ctrl.Stats().Counter)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Seq >= history[i-1].Seq {
			t.Fatalf("history not newest-first at %d", i)
		}
	}
}

func TestController_RearmerCyclesOnlyWhenIdle(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()
	f.adapter.ResetCalls()

	// first tick at 1000+300ms after resume
	f.advance(1400 * time.Millisecond)
	if got := f.adapter.CountCalls("DisableReaderMode"); got != 1 {
		t.Fatalf("re-arm cycles after first tick = %d, want 1", got)
	}
	f.advance(1000 * time.Millisecond)
	if got := f.adapter.CountCalls("DisableReaderMode"); got != 2 {
		t.Fatalf("re-arm cycles after second tick = %d, want 2", got)
	}

	f.discover(nfc.NewMockTag([]byte{0x04}, nfc.TechNfcA))
	f.adapter.ResetCalls()
	f.advance(3 * time.Second)
	if got := f.adapter.CountCalls("DisableReaderMode"); got != 0 {
		t.Errorf("re-armer toggled discovery during an active session (%d)", got)
	}
	if got := f.ctrl.Stats().Rearms; got < 2 {
		t.Errorf("rearms = %d, want at least 2", got)
	}
}

func TestController_RearmFailuresAreSwallowed(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	f.adapter.EnableError = errors.New("radio busy")
	f.advance(3500 * time.Millisecond)

	// ticks at 1300, 2300, 3300 all attempted despite failing
	if got := f.adapter.CountCalls("DisableReaderMode"); got < 3 {
		t.Errorf("re-arm attempts = %d, want 3", got)
	}
	if len(f.ctrl.Errors()) != 0 {
		t.Error("re-arm failures reached the error log")
	}
}

func TestController_ResetPowerCycle(t *testing.T) {
	cycler := &nfc.MockPowerCycler{}
	f := newControllerFixture(t, func(o *Options) { o.PowerCycler = cycler })
	start := f.clock.Now()

	f.ctrl.Resume()
	f.eventually("power cycle", func() bool { return len(cycler.Calls()) == 2 })

	if f.adapter.ReaderModeActive() {
		t.Error("discovery enabled before the extra settle delay")
	}

	var inProgress bool
	f.onLoop(func() { inProgress = f.ctrl.reset.InProgress() })
	if !inProgress {
		t.Error("reset flag cleared before discovery was enabled")
	}

	f.eventually("reader mode", f.adapter.ReaderModeActive)
	if elapsed := f.clock.Now().Sub(start); elapsed < DefaultResetSettle+DefaultResetEnableDelay {
		t.Errorf("discovery enabled after %v, want at least %v", elapsed, DefaultResetSettle+DefaultResetEnableDelay)
	}

	f.onLoop(func() { inProgress = f.ctrl.reset.InProgress() })
	if inProgress {
		t.Error("reset flag still set after discovery was enabled")
	}
	if got := f.ctrl.Stats().ResetsAttempted; got != 1 {
		t.Errorf("attempted resets = %d, want 1", got)
	}
	if calls := cycler.Calls(); calls[0] != "Disable" || calls[1] != "Enable" {
		t.Errorf("cycler calls = %v", calls)
	}
}

func TestController_ResetBlocksRearmer(t *testing.T) {
	cycler := &nfc.MockPowerCycler{}
	f := newControllerFixture(t, func(o *Options) {
		o.PowerCycler = cycler
		o.RearmStartDelay = -1 // first tick right at the interval
		o.RearmInterval = 100 * time.Millisecond
		o.ResetSettle = 2 * time.Second
	})

	f.ctrl.Resume()
	f.eventually("power cycle to start", func() bool { return len(cycler.Calls()) == 1 })
	f.advance(1 * time.Second)

	if got := f.adapter.CountCalls("DisableReaderMode") + f.adapter.CountCalls("EnableReaderMode"); got != 0 {
		t.Errorf("discovery toggled %d times during a reset", got)
	}
	f.eventually("reader mode", f.adapter.ReaderModeActive)
}

func TestController_ResetFaultsAreSwallowed(t *testing.T) {
	tests := []struct {
		name   string
		cycler *nfc.MockPowerCycler
	}{
		{"disable error", &nfc.MockPowerCycler{DisableError: nfc.NewNotSupportedError("PowerCycle.Disable")}},
		{"enable error", &nfc.MockPowerCycler{EnableError: errors.New("stuck")}},
		{"panic", &nfc.MockPowerCycler{PanicOnDisable: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t, func(o *Options) { o.PowerCycler = tt.cycler })
			f.resume()
			if len(f.ctrl.Errors()) != 0 {
				t.Error("reset fault reached the error log")
			}
		})
	}
}

func TestController_PauseDuringResetKeepsDiscoveryOff(t *testing.T) {
	cycler := &nfc.MockPowerCycler{}
	f := newControllerFixture(t, func(o *Options) { o.PowerCycler = cycler })

	f.ctrl.Resume()
	f.eventually("power cycle to start", func() bool { return len(cycler.Calls()) >= 1 })
	f.ctrl.Pause()
	f.flush()
	f.eventually("power cycle to end", func() bool { return len(cycler.Calls()) == 2 })
	f.advance(2 * time.Second)

	if f.adapter.ReaderModeActive() {
		t.Error("discovery enabled after pause")
	}
	if got := f.ctrl.Status().Line; got != StatusPaused {
		t.Errorf("status = %q, want %q", got, StatusPaused)
	}
}

func TestController_ResumeWhileCancelledCycleSettles(t *testing.T) {
	cycler := &nfc.MockPowerCycler{}
	f := newControllerFixture(t, func(o *Options) { o.PowerCycler = cycler })

	f.ctrl.Resume()
	f.eventually("first disable", func() bool { return len(cycler.Calls()) >= 1 })
	f.ctrl.Pause()
	f.ctrl.Resume()
	f.flush()

	// the first cycle is still sleeping through its settle time
	if calls := cycler.Calls(); len(calls) != 1 {
		t.Fatalf("cycler calls = %v, want only the first Disable", calls)
	}

	f.eventually("reader mode", f.adapter.ReaderModeActive)
	want := []string{"Disable", "Enable", "Disable", "Enable"}
	if calls := cycler.Calls(); strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("cycler calls = %v, want %v", calls, want)
	}
	if got := f.ctrl.Stats().ResetsAttempted; got != 1 {
		t.Errorf("attempted resets = %d, want 1", got)
	}
}

func TestController_PauseReleasesRadio(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.resume()

	tag := nfc.NewMockTag([]byte{0x04}, nfc.TechNfcA)
	f.discover(tag)
	f.ctrl.Pause()
	f.flush()

	reads := countKind(f.ctrl.History(), KindRead)
	f.adapter.ResetCalls()
	f.advance(5 * time.Second)

	if got := countKind(f.ctrl.History(), KindRead); got != reads {
		t.Errorf("reads after pause = %d, want %d", got, reads)
	}
	if f.adapter.ReaderModeActive() {
		t.Error("discovery still on after pause")
	}
	if n := len(f.adapter.Calls()); n != 0 {
		t.Errorf("adapter calls after pause = %v", f.adapter.Calls())
	}
	if f.clock.PendingTimers() != 0 {
		t.Errorf("pending timers after pause = %d", f.clock.PendingTimers())
	}

	// a discovery that raced with pause is ignored
	f.ctrl.onTagDiscovered(nfc.NewMockTag([]byte{0x05}, nfc.TechNfcA))
	f.flush()
	if got := f.ctrl.Stats().Discoveries; got != 1 {
		t.Errorf("discoveries = %d, want 1", got)
	}

	f.resume()
	if !f.ctrl.Status().Polling {
		t.Error("resume after pause did not restart polling")
	}
}

func TestController_UploaderPanicDoesNotStopLoop(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.uploader.panic = true
	f.resume()

	f.discover(nfc.NewMockTag([]byte{0x04}, nfc.TechNfcA))
	f.advance(1100 * time.Millisecond)

	if got := len(f.uploader.list()); got != 3 {
		t.Errorf("submits = %d, want 3", got)
	}
}

func TestController_Subscribe(t *testing.T) {
	f := newControllerFixture(t, nil)
	events, cancel := f.ctrl.Subscribe(64)
	f.resume()

	f.discover(nfc.NewMockTag([]byte{0x04, 0xA1}, nfc.TechNfcA))

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			if ev.Entry != nil {
				kinds = append(kinds, string(ev.Entry.Kind))
			}
		case <-deadline:
			t.Fatalf("got entries %v, want discovered and read", kinds)
		}
	}
	if fmt.Sprint(kinds) != "[discovered read]" {
		t.Errorf("entries = %v", kinds)
	}

	cancel()
	cancel()
	for range events {
		// drain until closed
	}
}
