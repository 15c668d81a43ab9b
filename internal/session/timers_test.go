package session

import (
	"testing"
	"time"
)

func TestTimerSet_StaleGenerationIsNotLive(t *testing.T) {
	clock := newFakeClock()
	var fired []uint64
	ts := newTimerSet(clock, func(_ TimerKind, gen uint64) {
		fired = append(fired, gen)
	})

	ts.schedule(TimerRing, time.Second)
	ts.schedule(TimerRing, time.Second) // re-arm bumps the generation

	clock.Advance(time.Second)
	if len(fired) != 1 {
		t.Fatalf("fired=%v, want exactly the re-armed timer", fired)
	}
	if !ts.live(TimerRing, fired[0]) {
		t.Fatalf("current generation should be live")
	}
	if ts.live(TimerRing, fired[0]) {
		t.Fatalf("a live fire must disarm; second check should be stale")
	}
}

func TestTimerSet_CancelIsNoopWhenUnarmed(t *testing.T) {
	clock := newFakeClock()
	ts := newTimerSet(clock, func(TimerKind, uint64) {})

	ts.cancel(TimerGrace)

	ts.schedule(TimerGrace, time.Second)
	ts.cancel(TimerGrace)
	if ts.live(TimerGrace, 1) {
		t.Fatalf("cancelled timer reported live")
	}
}

func TestTimerSet_CancelAll(t *testing.T) {
	clock := newFakeClock()
	fired := 0
	ts := newTimerSet(clock, func(TimerKind, uint64) { fired++ })

	ts.schedule(TimerRing, time.Second)
	ts.schedule(TimerGrace, time.Second)
	ts.cancelAll()

	clock.Advance(time.Minute)
	if fired != 0 {
		t.Fatalf("fired=%d after cancelAll", fired)
	}
}
