package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source that can also wait.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// System is the wall clock of the running process.
type System struct{}

// Now returns the current time with its monotonic reading.
func (System) Now() time.Time {
	return time.Now()
}

// Sleep pauses the calling goroutine for d.
func (System) Sleep(d time.Duration) {
	time.Sleep(d)
}

// DiffMicros returns t2 - t1 in microseconds.
func DiffMicros(t1, t2 time.Time) int64 {
	return t2.Sub(t1).Microseconds()
}

// Manual is a clock that only moves when told to.
// Sleep advances it instantly, which lets polling loops run to completion
// in tests without real waiting.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	onTick []func(time.Time)
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep implements Clock by advancing the clock by d.
func (m *Manual) Sleep(d time.Duration) {
	m.Advance(d)
}

// Advance moves the clock forward and runs the registered hooks.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	hooks := append([]func(time.Time){}, m.onTick...)
	m.mu.Unlock()

	for _, h := range hooks {
		h(now)
	}
}

// OnAdvance registers fn to be called with the new time after every advance.
func (m *Manual) OnAdvance(fn func(time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTick = append(m.onTick, fn)
}
