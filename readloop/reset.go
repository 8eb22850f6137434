package readloop

import (
	"log"
	"sync"
	"time"

	"github.com/dotside-studios/nfc-readloop/nfc"
)

// Reset timing
const (
	DefaultResetSettle      = 300 * time.Millisecond
	DefaultResetEnableDelay = 150 * time.Millisecond
)

// ResetCoordinator performs the one-shot radio power cycle done on every
// resume. While a reset is in flight the Rearmer leaves discovery alone.
//
// Reset, Cancel and InProgress must be called on the Loop goroutine; the
// power cycle itself runs on a worker goroutine.
type ResetCoordinator struct {
	loop        *Loop
	cycler      nfc.PowerCycler
	settle      time.Duration
	enableDelay time.Duration
	logger      *log.Logger

	inProgress bool
	gen        uint64
	pending    *Task
	wg         sync.WaitGroup

	// busy is set while a power-cycle worker runs, even after Cancel.
	// A reset requested meanwhile waits in queued for that worker.
	busy   bool
	queued func(attempted bool)
}

func newResetCoordinator(loop *Loop, cycler nfc.PowerCycler, settle, enableDelay time.Duration, logger *log.Logger) *ResetCoordinator {
	if cycler == nil {
		cycler = nfc.NoopPowerCycler{}
	}
	return &ResetCoordinator{
		loop:        loop,
		cycler:      cycler,
		settle:      settle,
		enableDelay: enableDelay,
		logger:      logger,
	}
}

// InProgress reports whether a reset started and has not finished yet.
func (r *ResetCoordinator) InProgress() bool {
	return r.inProgress
}

// Reset power-cycles the radio off the loop, then calls rearm back on the
// loop, waiting enableDelay first when the power cycle was attempted. The
// in-progress flag is cleared once rearm returns. A reset requested while
// one is running is ignored; one requested while a cancelled power cycle
// is still running starts after it, so two cycles never overlap.
func (r *ResetCoordinator) Reset(rearm func(attempted bool)) {
	if r.inProgress {
		r.logger.Println("Reset already in progress")
		return
	}
	r.inProgress = true
	r.gen++
	if r.busy {
		r.logger.Println("Waiting for the previous power cycle to finish")
		r.queued = rearm
		return
	}
	r.start(r.gen, rearm)
}

func (r *ResetCoordinator) start(gen uint64, rearm func(bool)) {
	r.busy = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		attempted := r.powerCycle()
		r.loop.Post(func() { r.workerDone(gen, attempted, rearm) })
	}()
}

func (r *ResetCoordinator) workerDone(gen uint64, attempted bool, rearm func(bool)) {
	r.busy = false
	if next := r.queued; next != nil {
		r.queued = nil
		r.start(r.gen, next)
		return
	}
	r.complete(gen, attempted, rearm)
}

// Cancel abandons a running reset: its completion will not call rearm and
// the in-progress flag is cleared immediately. A power cycle already under
// way still runs to the end.
func (r *ResetCoordinator) Cancel() {
	r.gen++
	r.pending.Cancel()
	r.pending = nil
	r.queued = nil
	r.inProgress = false
}

// Wait blocks until no power-cycle worker is running. Must not be called
// from a task.
func (r *ResetCoordinator) Wait() {
	r.wg.Wait()
}

func (r *ResetCoordinator) complete(gen uint64, attempted bool, rearm func(bool)) {
	if gen != r.gen {
		return
	}
	if !attempted || r.enableDelay <= 0 {
		r.finish(rearm, attempted)
		return
	}
	r.pending = r.loop.PostDelayed(r.enableDelay, func() {
		r.pending = nil
		if gen != r.gen {
			return
		}
		r.finish(rearm, attempted)
	})
}

func (r *ResetCoordinator) finish(rearm func(bool), attempted bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("Re-enabling discovery after reset panicked: %v", p)
		}
		r.inProgress = false
	}()
	rearm(attempted)
}

// powerCycle runs Disable, settle, Enable. It never panics; attempted is
// true once Disable went through.
func (r *ResetCoordinator) powerCycle() (attempted bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("Warning: radio power cycle failed: %v", p)
		}
	}()

	if err := r.cycler.Disable(); err != nil {
		r.logger.Printf("Warning: radio power cycle unavailable, proceeding with standard enable: %v", err)
		return false
	}
	attempted = true

	r.loop.Clock().Sleep(r.settle)

	if err := r.cycler.Enable(); err != nil {
		r.logger.Printf("Warning: re-enabling radio after power cycle failed: %v", err)
	}
	return attempted
}
