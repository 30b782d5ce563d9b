// Package auth implements the phone/code login flow and the persisted
// authentication state.
package auth

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tgvault/tgvault/internal/bus"
)

// State represents an authentication state.
type State string

const (
	Empty         State = "EMPTY"
	CodeRequested State = "CODE_REQUESTED"
	Valid         State = "VALID"
	Invalid       State = "INVALID"
)

// validTransitions defines allowed state transitions. Reset (any state
// back to Empty) is always allowed and handled separately.
var validTransitions = map[State][]State{
	Empty:         {CodeRequested},
	CodeRequested: {Valid},
	Valid:         {Invalid},
	Invalid:       {},
}

// Machine tracks and enforces authentication state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine in the given initial state.
func NewMachine(b *bus.Bus, initial State) *Machine {
	return &Machine{
		current: initial,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.move(to)
	return nil
}

// Reset moves to Empty from any state. Idempotent: resetting an Empty
// machine emits no event.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Empty {
		return
	}
	m.move(Empty)
}

// move performs the transition. Caller holds the lock.
func (m *Machine) move(to State) {
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind: bus.AuthStatusChanged,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
}

// StatusChange is the payload for auth status change events.
type StatusChange struct {
	From State
	To   State
}
