package readloop

import (
	"log"
	"time"

	"github.com/dotside-studios/nfc-readloop/nfc"
)

// Re-arm timing
const (
	DefaultRearmInterval = 1000 * time.Millisecond
	// DefaultRearmStartDelay is added to the first tick after a resume so
	// it does not overlap with the reset's own enable.
	DefaultRearmStartDelay = 300 * time.Millisecond
)

// rearmTarget is the state the Rearmer consults on every tick. Implemented
// by Controller.
type rearmTarget interface {
	pollingEnabled() bool
	resetInProgress() bool
	sessionActive() bool
	cycleDiscovery() error
}

// Rearmer periodically turns discovery off and on again while no session
// is active, recovering from radio stacks that miss a tag-present edge.
//
// All methods must be called on the Loop goroutine.
type Rearmer struct {
	loop    *Loop
	adapter nfc.Adapter
	target  rearmTarget
	period  time.Duration
	logger  *log.Logger

	pending *Task
	cycles  int64
}

func newRearmer(loop *Loop, adapter nfc.Adapter, target rearmTarget, period time.Duration, logger *log.Logger) *Rearmer {
	if period <= 0 {
		period = DefaultRearmInterval
	}
	return &Rearmer{
		loop:    loop,
		adapter: adapter,
		target:  target,
		period:  period,
		logger:  logger,
	}
}

// Start schedules the first tick after delay, replacing any pending tick.
func (r *Rearmer) Start(delay time.Duration) {
	r.Stop()
	r.pending = r.loop.PostDelayed(delay, r.tick)
}

// Stop cancels the pending tick.
func (r *Rearmer) Stop() {
	r.pending.Cancel()
	r.pending = nil
}

// Cycles returns how many times discovery was re-armed by the ticker.
func (r *Rearmer) Cycles() int64 {
	return r.cycles
}

func (r *Rearmer) tick() {
	r.pending = nil
	if !r.target.pollingEnabled() || r.adapter == nil {
		return
	}
	defer r.reschedule()

	if r.target.resetInProgress() || !r.adapter.IsEnabled() {
		return
	}
	if r.target.sessionActive() {
		return
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Printf("Re-arm panicked: %v", p)
			}
		}()
		if err := r.target.cycleDiscovery(); err != nil {
			r.logger.Printf("Re-arm failed: %v", err)
			return
		}
		r.cycles++
	}()
}

func (r *Rearmer) reschedule() {
	if r.pending != nil {
		return
	}
	r.pending = r.loop.PostDelayed(r.period, r.tick)
}
