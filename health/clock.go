package health

import "time"

// Clock abstracts time so cooldown expiry is deterministically testable
// without real sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	Current time.Time
}

func (f *FakeClock) Now() time.Time { return f.Current }

// Advance moves the fake clock forward.
func (f *FakeClock) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
