package readloop

import (
	"log"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotside-studios/nfc-readloop/nfc"
)

// Loop is a single-goroutine task queue. Every read tick, re-arm tick,
// discovery callback and worker completion is funnelled through it, so
// the state they touch needs no further locking as long as it is only
// accessed from tasks.
type Loop struct {
	clock  nfc.Clock
	logger *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Task
	busy    bool
	started bool
	stopped bool
	done    chan struct{}
}

// Task is a handle for a posted function. Cancel prevents it from running
// if it has not started yet.
type Task struct {
	fn        func()
	cancelled atomic.Bool

	mu    sync.Mutex
	timer nfc.Timer
}

// Cancel stops the task from running. Safe to call on a nil Task, more
// than once, or after the task ran.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)

	t.mu.Lock()
	timer := t.timer
	t.timer = nil
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// NewLoop creates a stopped Loop. Delayed tasks are timed with clock.
func NewLoop(clock nfc.Clock, logger *log.Logger) *Loop {
	if clock == nil {
		clock = nfc.NewRealClock()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[loop] ", log.LstdFlags)
	}
	l := &Loop{
		clock:  clock,
		logger: logger,
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Clock returns the clock delayed tasks are scheduled with.
func (l *Loop) Clock() nfc.Clock {
	return l.clock
}

// Start launches the loop goroutine. Starting twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

// Running reports whether the loop goroutine is running.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped
}

// Stop terminates the loop after the running task, if any, returns.
// Pending tasks are dropped. Must not be called from a task.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	for _, t := range l.queue {
		t.cancelled.Store(true)
	}
	l.queue = nil
	l.cond.Broadcast()
	l.mu.Unlock()

	if started {
		<-l.done
	}
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) *Task {
	t := &Task{fn: fn}
	l.enqueue(t)
	return t
}

// PostDelayed queues fn to run on the loop goroutine once d has elapsed.
func (l *Loop) PostDelayed(d time.Duration, fn func()) *Task {
	if d <= 0 {
		return l.Post(fn)
	}
	t := &Task{fn: fn}
	timer := l.clock.AfterFunc(d, func() {
		t.mu.Lock()
		t.timer = nil
		t.mu.Unlock()
		l.enqueue(t)
	})

	t.mu.Lock()
	if t.cancelled.Load() {
		t.mu.Unlock()
		timer.Stop()
		return t
	}
	t.timer = timer
	t.mu.Unlock()
	return t
}

// Flush blocks until the queue is empty and no task is running. Tasks
// posted by running tasks are drained too. Must not be called from a task.
func (l *Loop) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.stopped && (len(l.queue) > 0 || l.busy) {
		l.cond.Wait()
	}
}

func (l *Loop) enqueue(t *Task) {
	if t.cancelled.Load() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.queue = append(l.queue, t)
	l.cond.Broadcast()
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped {
			l.mu.Unlock()
			return
		}
		t := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.busy = true
		l.mu.Unlock()

		if !t.cancelled.Load() {
			l.exec(t)
		}

		l.mu.Lock()
		l.busy = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

func (l *Loop) exec(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("Task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	t.fn()
}
