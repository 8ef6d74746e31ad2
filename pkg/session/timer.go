package session

import "time"

// Clock abstracts wall time and timer creation so the typing and expiry
// paths are deterministic under test.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable one-shot timer. Stop reports whether the call
// prevented the timer from firing.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

// SystemClock is the default clock.
var SystemClock Clock = realClock{}
