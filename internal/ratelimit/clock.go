package ratelimit

import "time"

// Clock abstracts wall-clock reads so rate limiters are deterministic under
// test. Production code uses RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
