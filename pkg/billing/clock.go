package billing

import "time"

// Clock abstracts the tick's notion of "now" so that normal and simulated
// runs share one code path.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always reports the same instant. Simulation runs pin the tick
// to the simulation row's timestamp with it; tests use it directly.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
