package clock

import (
	"time"

	"go.uber.org/fx"
)

// Module provides the wall clock into an Fx application.
var Module = fx.Provide(New)

// Clock abstracts time so that scheduling behavior can be controlled in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep pauses the current goroutine for at least the duration d. A negative or zero duration causes Sleep to return immediately.
	Sleep(duration time.Duration)
	// AfterFunc runs f in its own goroutine after duration d and returns a Timer that can cancel the call.
	AfterFunc(duration time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc invocation.
type Timer interface {
	// Stop prevents the function from firing. It reports whether the call was stopped before it ran.
	Stop() bool
}

type clock struct{}

// New creates a new instance of Clock.
func New() Clock {
	return clock{}
}

func (clock) Now() time.Time {
	return time.Now()
}

func (clock) Sleep(duration time.Duration) {
	time.Sleep(duration)
}

func (clock) AfterFunc(duration time.Duration, f func()) Timer {
	return time.AfterFunc(duration, f)
}
