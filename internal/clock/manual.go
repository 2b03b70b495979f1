package clock

import (
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when a test calls Advance. Waits
// created through After or Sleep fire when the clock passes their due time.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	waits []*wait
}

type wait struct {
	due time.Time
	ch  chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has advanced by d.
// Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		ch <- m.now
	} else {
		m.waits = append(m.waits, &wait{due: m.now.Add(d), ch: ch})
	}
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the clock has advanced by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d and delivers every wait that came due.
// It returns the new current time.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var fired []*wait
	keep := m.waits[:0]
	for _, w := range m.waits {
		if w.due.After(now) {
			keep = append(keep, w)
		} else {
			fired = append(fired, w)
		}
	}
	m.waits = keep
	m.mu.Unlock()
	for _, w := range fired {
		w.ch <- now
	}
	return now
}

// Pending returns the number of waits that have not fired yet. Tests use it
// to wait for a background loop to re-arm its poll timer before advancing.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waits)
}
