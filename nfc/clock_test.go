package nfc

import (
	"testing"
	"time"
)

func TestFakeClock_AfterFuncOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	var fired []string
	clock.AfterFunc(300*time.Millisecond, func() { fired = append(fired, "b") })
	clock.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	clock.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })

	clock.Advance(500 * time.Millisecond)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
	if got := clock.Now(); !got.Equal(start.Add(500 * time.Millisecond)) {
		t.Errorf("Now() = %v, want start+500ms", got)
	}
	if n := clock.PendingTimers(); n != 1 {
		t.Errorf("PendingTimers() = %d, want 1", n)
	}
}

func TestFakeClock_ChainedTimers(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		clock.AfterFunc(500*time.Millisecond, tick)
	}
	clock.AfterFunc(0, tick)

	clock.Advance(1600 * time.Millisecond)

	// t=0, 500, 1000, 1500
	if ticks != 4 {
		t.Errorf("ticks = %d, want 4", ticks)
	}
}

func TestFakeClock_Stop(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))

	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop() should return true")
	}
	if timer.Stop() {
		t.Error("second Stop() should return false")
	}

	clock.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeClock_Sleep(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))

	woke := make(chan struct{})
	go func() {
		clock.Sleep(300 * time.Millisecond)
		close(woke)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case <-woke:
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Sleep did not return after the clock advanced")
		}
		clock.Advance(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}
