// Package clock abstracts time so that poll throttles, heartbeats, reconnect
// backoff and debounced refetches can be driven manually in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package used by the bridge.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Since(t time.Time) time.Duration
}

// Timer is a stoppable, resettable pending call.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Since(t time.Time) time.Duration        { return time.Since(t) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock is a manually advanced Clock. Timers fire synchronously inside
// Advance, in deadline order.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
	changed chan struct{}
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	f        func()
	active   bool
}

// NewMock creates a Mock clock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{
		current: start,
		changed: make(chan struct{}),
	}
}

// Now returns the mock time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Since returns the mock time elapsed since t.
func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// After returns a channel that receives the mock time once d has been advanced past.
func (m *Mock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.AfterFunc(d, func() {
		ch <- m.Now()
	})
	return ch
}

// AfterFunc schedules f to run when the clock is advanced past now+d.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &mockTimer{clock: m, deadline: m.current.Add(d), f: f, active: true}
	m.timers = append(m.timers, t)
	m.notifyLocked()
	return t
}

// Pending reports how many timers are waiting to fire.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// BlockUntil waits until at least n timers are pending or the timeout passes.
// It returns false on timeout.
func (m *Mock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		if len(m.timers) >= n {
			m.mu.Unlock()
			return true
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

// Advance moves the clock forward and fires every timer whose deadline passed.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current

	var due, remaining []*mockTimer
	for _, t := range m.timers {
		if !t.deadline.After(now) {
			t.active = false
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.notifyLocked()
	m.mu.Unlock()

	sortByDeadline(due)
	for _, t := range due {
		t.f()
	}
}

func (m *Mock) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Mock) removeLocked(t *mockTimer) {
	for i, pending := range m.timers {
		if pending == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	m.notifyLocked()
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := t.active
	if wasActive {
		t.active = false
		t.clock.removeLocked(t)
	}
	return wasActive
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := t.active
	if wasActive {
		t.clock.removeLocked(t)
	}
	t.active = true
	t.deadline = t.clock.current.Add(d)
	t.clock.timers = append(t.clock.timers, t)
	t.clock.notifyLocked()
	return wasActive
}

func sortByDeadline(timers []*mockTimer) {
	for i := 1; i < len(timers); i++ {
		for j := i; j > 0 && timers[j].deadline.Before(timers[j-1].deadline); j-- {
			timers[j], timers[j-1] = timers[j-1], timers[j]
		}
	}
}
