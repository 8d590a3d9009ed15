package warden

import "time"

// Clock abstracts time for everything in the engine that reads the
// current instant or waits: retry backoff, task and group timeouts, and
// the run-level deadline. Tests substitute a manual clock to make timing
// behavior deterministic.
type Clock interface {
	Now() time.Time
	// After returns a channel that delivers one value once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// systemClock is the default Clock backed by the runtime.
type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real-time clock used by default.
func SystemClock() Clock { return systemClock{} }
