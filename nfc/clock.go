package nfc

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations to enable testing
// without real time delays.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Sleep pauses execution for the given duration
	Sleep(d time.Duration)

	// AfterFunc waits for the duration to elapse and then calls f in its
	// own goroutine. The returned Timer can cancel the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// RealClock implements Clock using actual time operations
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

func (rc *RealClock) Now() time.Time {
	return time.Now()
}

func (rc *RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (rc *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// FakeClock implements Clock for testing with controllable time.
// Timers fire synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock creates a new FakeClock starting at the given time
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{now: startTime}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// Sleep blocks until another goroutine advances the clock by d.
func (fc *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	done := make(chan struct{})
	fc.AfterFunc(d, func() { close(done) })
	<-done
}

func (fc *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ft := &fakeTimer{clock: fc, deadline: fc.now.Add(d), fn: f}
	fc.timers = append(fc.timers, ft)
	return ft
}

// Advance moves the fake clock forward by d, firing every timer whose
// deadline falls inside the window. Timers scheduled by fired callbacks
// also fire if their deadline is still inside the window.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	target := fc.now.Add(d)
	fc.mu.Unlock()

	for {
		fc.mu.Lock()
		next := fc.nextDueLocked(target)
		if next == nil {
			fc.now = target
			fc.mu.Unlock()
			return
		}
		next.fired = true
		if next.deadline.After(fc.now) {
			fc.now = next.deadline
		}
		fc.removeLocked(next)
		fc.mu.Unlock()

		next.fn()
	}
}

// PendingTimers returns the number of timers that have neither fired nor
// been stopped.
func (fc *FakeClock) PendingTimers() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.timers)
}

func (fc *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range fc.timers {
		if t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

func (fc *FakeClock) removeLocked(ft *fakeTimer) {
	for i, t := range fc.timers {
		if t == ft {
			fc.timers = append(fc.timers[:i], fc.timers[i+1:]...)
			return
		}
	}
}

// fakeTimer implements Timer for testing
type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

func (ft *fakeTimer) Stop() bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	if ft.fired || ft.stopped {
		return false
	}
	ft.stopped = true
	ft.clock.removeLocked(ft)
	return true
}
