package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
)

// State represents a listener runtime state.
type State string

const (
	Starting      State = "STARTING"
	AcquiringLock State = "ACQUIRING_LOCK"
	Connecting    State = "CONNECTING"
	Reconciling   State = "RECONCILING"
	Listening     State = "LISTENING"
	Stopping      State = "STOPPING"
	Stopped       State = "STOPPED"
)

// validTransitions defines allowed state transitions. A crashed listener is
// observed externally from stale heartbeats; it is never a transition target.
var validTransitions = map[State][]State{
	Starting:      {AcquiringLock, Stopping},
	AcquiringLock: {Connecting, Stopping},
	Connecting:    {Reconciling, Stopping},
	Reconciling:   {Listening, Stopping},
	Listening:     {Stopping},
	Stopping:      {Stopped},
	Stopped:       {},
}

// Machine tracks and enforces listener state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Starting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Starting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindListenerStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
