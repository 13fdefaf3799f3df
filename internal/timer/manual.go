package timer

import (
	"sort"
	"sync"
	"time"
)

// Manual is a hand-driven clock and scheduler for deterministic tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiting []*manualTimer
}

type manualTimer struct {
	seq     uint64
	at      time.Time
	fn      func()
	stopped bool
}

// NewManual creates a clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc implements AfterFunc against the manual clock.
func (m *Manual) AfterFunc(d time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{seq: m.seq, at: m.now.Add(d), fn: fn}
	m.waiting = append(m.waiting, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward by d and runs every timer that became due,
// in deadline order. Callbacks run on the caller's goroutine.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.waiting, func(i, j int) bool {
			if m.waiting[i].at.Equal(m.waiting[j].at) {
				return m.waiting[i].seq < m.waiting[j].seq
			}
			return m.waiting[i].at.Before(m.waiting[j].at)
		})
		var next *manualTimer
		for i, t := range m.waiting {
			if t.stopped {
				continue
			}
			if t.at.After(target) {
				break
			}
			next = t
			m.waiting = append(m.waiting[:i:i], m.waiting[i+1:]...)
			break
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.stopped = true
		m.now = next.at
		m.mu.Unlock()
		next.fn()
	}
}
