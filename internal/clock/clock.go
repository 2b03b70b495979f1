// Package clock provides the time source injected into every component that
// reads or waits on time. Production code uses Real; tests drive renewal and
// lock expiry deterministically with Manual.
package clock

import "time"

// Clock abstracts time reads and timed waits.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
	// After returns a channel that delivers once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// Sleep blocks until d has elapsed.
	Sleep(d time.Duration)
}

// Real implements Clock on the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep mirrors time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
