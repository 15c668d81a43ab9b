package session

import "time"

type TimerKind string

const (
	// TimerRing bounds how long a call may stay unanswered.
	TimerRing TimerKind = "ring"

	// TimerGrace bounds how long a disconnected media path may take to
	// recover before the call is declared failed.
	TimerGrace TimerKind = "grace"
)

// timerSet arms at most one timer per kind. Every arm bumps the kind's
// generation; a fire carries the generation it was armed with, so a timer
// that fires after cancel or re-arm is recognizably stale. The post hook
// runs on the timer goroutine and must only enqueue, never mutate session
// state.
type timerSet struct {
	clock Clock
	post  func(kind TimerKind, gen uint64)

	armed map[TimerKind]Timer
	gens  map[TimerKind]uint64
}

func newTimerSet(clock Clock, post func(kind TimerKind, gen uint64)) *timerSet {
	return &timerSet{
		clock: clock,
		post:  post,
		armed: make(map[TimerKind]Timer),
		gens:  make(map[TimerKind]uint64),
	}
}

// schedule cancels any armed timer of this kind, then arms a new one.
func (t *timerSet) schedule(kind TimerKind, d time.Duration) {
	t.cancel(kind)
	t.gens[kind]++
	gen := t.gens[kind]
	t.armed[kind] = t.clock.AfterFunc(d, func() {
		t.post(kind, gen)
	})
}

// cancel is a no-op when no timer of this kind is armed.
func (t *timerSet) cancel(kind TimerKind) {
	if timer, ok := t.armed[kind]; ok {
		timer.Stop()
		delete(t.armed, kind)
	}
}

func (t *timerSet) cancelAll() {
	for kind := range t.armed {
		t.cancel(kind)
	}
}

// live reports whether a fire with this generation is still current: the
// kind is armed and the generation matches. A live fire disarms the kind.
func (t *timerSet) live(kind TimerKind, gen uint64) bool {
	if _, ok := t.armed[kind]; !ok {
		return false
	}
	if t.gens[kind] != gen {
		return false
	}
	delete(t.armed, kind)
	return true
}
