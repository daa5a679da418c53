// Package clock is the time source the PIN guard is built against. Real and
// fake clocks both come from clockwork; this package only narrows them to the
// two calls the guard makes.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a scheduled callback that may be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer, false if it already fired or was stopped.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// System returns the wall clock.
func System() Clock {
	return Wrap(clockwork.NewRealClock())
}

// Wrap adapts a clockwork clock, typically a clockwork.FakeClock in tests.
// Fake callbacks run on their own goroutine once Advance passes their deadline.
func Wrap(c clockwork.Clock) Clock {
	return wrapped{c: c}
}

type wrapped struct {
	c clockwork.Clock
}

func (w wrapped) Now() time.Time { return w.c.Now() }

func (w wrapped) AfterFunc(d time.Duration, f func()) Timer {
	return w.c.AfterFunc(d, f)
}
