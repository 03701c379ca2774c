// Package session owns one viewer's negotiated peer connection and the
// explicit connection state machine observed by the UI.
package session

import (
	"fmt"

	"gardencam/live/internal/domain"
)

// forward lists the transitions allowed by Transition. failed is entered
// through Fail and disconnected through Reset.
var forward = map[domain.ConnectionState][]domain.ConnectionState{
	domain.StateDisconnected:  {domain.StateAwaitingOffer, domain.StateNegotiating},
	domain.StateAwaitingOffer: {domain.StateNegotiating},
	domain.StateNegotiating:   {domain.StateConnected},
}

// Machine tracks a Session's ConnectionState. It only moves forward, except
// for Fail and an explicit Reset.
type Machine struct {
	state    domain.ConnectionState
	reason   error
	onChange func(from, to domain.ConnectionState, reason error)
}

// NewMachine starts in disconnected. onChange may be nil.
func NewMachine(onChange func(from, to domain.ConnectionState, reason error)) *Machine {
	return &Machine{state: domain.StateDisconnected, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() domain.ConnectionState {
	return m.state
}

// Reason returns why the machine failed, or nil.
func (m *Machine) Reason() error {
	return m.reason
}

// Transition moves forward to the given state. Moving to the current state
// is a no-op.
func (m *Machine) Transition(to domain.ConnectionState) error {
	if to == m.state {
		return nil
	}
	for _, allowed := range forward[m.state] {
		if allowed == to {
			m.set(to, nil)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, m.state, to)
}

// Fail moves to failed from any non-disconnected state. The first reason
// wins; it reports whether the state changed.
func (m *Machine) Fail(reason error) bool {
	if m.state == domain.StateDisconnected || m.state == domain.StateFailed {
		return false
	}
	m.set(domain.StateFailed, reason)
	return true
}

// Reset returns to disconnected and clears the failure reason.
func (m *Machine) Reset() {
	if m.state == domain.StateDisconnected {
		return
	}
	m.set(domain.StateDisconnected, nil)
}

func (m *Machine) set(to domain.ConnectionState, reason error) {
	from := m.state
	m.state = to
	m.reason = reason
	if m.onChange != nil {
		m.onChange(from, to, reason)
	}
}
