package upload

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultFailureBackoff is how long uploads are suppressed after a failure.
const DefaultFailureBackoff = 60 * time.Second

// BackoffPolicy selects how the suppression window grows across
// consecutive failures.
type BackoffPolicy string

const (
	// PolicyConstant suppresses for the same window after every failure.
	PolicyConstant BackoffPolicy = "constant"
	// PolicyExponential doubles the window on each consecutive failure up
	// to the maximum, starting over after a delivery succeeds.
	PolicyExponential BackoffPolicy = "exponential"
)

// ParseBackoffPolicy maps a config value to a policy; empty is constant.
func ParseBackoffPolicy(s string) (BackoffPolicy, error) {
	switch BackoffPolicy(s) {
	case "", PolicyConstant:
		return PolicyConstant, nil
	case PolicyExponential:
		return PolicyExponential, nil
	}
	return "", fmt.Errorf("unknown backoff policy %q", s)
}

// Backoff is the process-wide "next allowed attempt" deadline. Every
// failure pushes it forward; nothing ever pulls it back, it only expires.
type Backoff struct {
	deadline atomic.Int64 // unix nanoseconds, 0 = never tripped

	mu     sync.Mutex
	policy backoff.BackOff
	kind   BackoffPolicy
	base   time.Duration
	max    time.Duration
}

// NewBackoff creates a constant Backoff that suppresses attempts for d
// after each failure.
func NewBackoff(d time.Duration) *Backoff {
	b := &Backoff{}
	b.Configure(PolicyConstant, d, 0)
	return b
}

// Configure replaces the policy used by later Trip calls. A max below base
// caps the exponential window at base. Configuring the same values again
// keeps the current progression.
func (b *Backoff) Configure(kind BackoffPolicy, base, max time.Duration) {
	if base <= 0 {
		base = DefaultFailureBackoff
	}
	if max < base {
		max = base
	}
	if kind == "" {
		kind = PolicyConstant
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.policy != nil && kind == b.kind && base == b.base && max == b.max {
		return
	}
	b.kind, b.base, b.max = kind, base, max
	b.policy = newPolicy(kind, base, max)
}

func newPolicy(kind BackoffPolicy, base, max time.Duration) backoff.BackOff {
	if kind != PolicyExponential {
		return backoff.NewConstantBackOff(base)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// SetInterval changes the base window, keeping the policy.
func (b *Backoff) SetInterval(d time.Duration) {
	b.mu.Lock()
	kind, max := b.kind, b.max
	b.mu.Unlock()
	b.Configure(kind, d, max)
}

// Interval returns the base suppression window.
func (b *Backoff) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base
}

// Policy returns the active policy.
func (b *Backoff) Policy() BackoffPolicy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind
}

// Succeeded restarts the window progression. The deadline is left alone.
func (b *Backoff) Succeeded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy.Reset()
}

// Allowed reports whether an attempt may be made at now.
func (b *Backoff) Allowed(now time.Time) bool {
	return now.UnixNano() >= b.deadline.Load()
}

// Deadline returns the time before which attempts are suppressed. The zero
// time means no failure was recorded yet.
func (b *Backoff) Deadline() time.Time {
	ns := b.deadline.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Trip records a failure at now and returns the new deadline.
func (b *Backoff) Trip(now time.Time) time.Time {
	b.mu.Lock()
	next := b.policy.NextBackOff()
	if next == backoff.Stop {
		next = b.base
	}
	b.mu.Unlock()

	deadline := now.Add(next)
	b.deadline.Store(deadline.UnixNano())
	return deadline
}
