package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
)

// State is the realtime connectivity of the session as shown to the user.
type State string

const (
	Offline      State = "OFFLINE"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
)

// KindConnectivityChanged is the bus event kind published on every transition.
const KindConnectivityChanged = "session.connectivity_changed"

// ErrInvalidTransition is wrapped by Transition when the move is not allowed.
var ErrInvalidTransition = errors.New("invalid connectivity transition")

// Every state can fall back to Offline; only Offline is left solely through
// Connecting.
var validTransitions = map[State][]State{
	Offline:      {Connecting},
	Connecting:   {Online, Reconnecting, Degraded, Offline},
	Online:       {Connecting, Reconnecting, Degraded, Offline},
	Reconnecting: {Connecting, Online, Degraded, Offline},
	Degraded:     {Connecting, Reconnecting, Online, Offline},
}

// Machine tracks and enforces connectivity state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting Offline.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to the given state and announces it on the bus. Moving to
// the current state does nothing and publishes nothing.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if from == to {
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.current, m.since = to, time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      KindConnectivityChanged,
			Timestamp: m.since,
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload of KindConnectivityChanged.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
