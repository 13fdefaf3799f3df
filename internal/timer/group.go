// Package timer provides a keyed set of one-shot timers that can be cancelled
// together. Each logical concern (typing, channel retry) owns one Group so that
// teardown clears every outstanding handle.
package timer

import (
	"sync"
	"time"
)

// AfterFunc schedules fn after d and returns a stop function.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

// RealAfterFunc is backed by time.AfterFunc.
func RealAfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// Group holds at most one pending timer per key.
type Group struct {
	mu      sync.Mutex
	after   AfterFunc
	pending map[string]*entry
	seq     uint64
	closed  bool
}

type entry struct {
	seq  uint64
	stop func() bool
}

// NewGroup creates a group. A nil after uses RealAfterFunc.
func NewGroup(after AfterFunc) *Group {
	if after == nil {
		after = RealAfterFunc
	}
	return &Group{after: after, pending: make(map[string]*entry)}
}

// Reset (re)arms the timer for key. Any previous timer for key is cancelled.
// fn runs only if the timer was not cancelled or replaced in the meantime.
func (g *Group) Reset(key string, d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if prev, ok := g.pending[key]; ok {
		prev.stop()
	}
	g.seq++
	seq := g.seq
	e := &entry{seq: seq}
	g.pending[key] = e
	e.stop = g.after(d, func() {
		g.mu.Lock()
		cur, ok := g.pending[key]
		if !ok || cur.seq != seq {
			g.mu.Unlock()
			return
		}
		delete(g.pending, key)
		g.mu.Unlock()
		fn()
	})
}

// Stop cancels the timer for key. Reports whether one was pending.
func (g *Group) Stop(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.pending[key]
	if !ok {
		return false
	}
	delete(g.pending, key)
	e.stop()
	return true
}

// Pending reports whether a timer for key is armed.
func (g *Group) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[key]
	return ok
}

// Len returns the number of armed timers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// StopAll cancels every pending timer. The group remains usable.
func (g *Group) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, e := range g.pending {
		e.stop()
		delete(g.pending, k)
	}
}

// Close cancels every pending timer and rejects future Reset calls.
func (g *Group) Close() {
	g.StopAll()
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
