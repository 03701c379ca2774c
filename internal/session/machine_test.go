package session

import (
	"errors"
	"testing"

	"gardencam/live/internal/domain"
)

func TestMachine_HappyPath(t *testing.T) {
	var seen []domain.ConnectionState
	m := NewMachine(func(_, to domain.ConnectionState, _ error) { seen = append(seen, to) })

	for _, s := range []domain.ConnectionState{
		domain.StateAwaitingOffer,
		domain.StateNegotiating,
		domain.StateConnected,
	} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.State() != domain.StateConnected {
		t.Fatalf("expected connected, got %s", m.State())
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 notifications, got %d", len(seen))
	}
}

func TestMachine_RejectsSkippingToConnected(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(domain.StateAwaitingOffer)

	err := m.Transition(domain.StateConnected)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if m.State() != domain.StateAwaitingOffer {
		t.Errorf("state changed on rejected transition: %s", m.State())
	}
}

func TestMachine_RejectsGoingBackwards(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(domain.StateNegotiating)

	if err := m.Transition(domain.StateAwaitingOffer); err == nil {
		t.Fatal("expected negotiating -> awaiting-offer to be rejected")
	}
}

func TestMachine_FailFromAnyActiveState(t *testing.T) {
	for _, path := range [][]domain.ConnectionState{
		{domain.StateAwaitingOffer},
		{domain.StateNegotiating},
		{domain.StateNegotiating, domain.StateConnected},
	} {
		m := NewMachine(nil)
		for _, s := range path {
			if err := m.Transition(s); err != nil {
				t.Fatalf("transition: %v", err)
			}
		}
		if !m.Fail(domain.ErrTransportFailure) {
			t.Errorf("Fail from %s did not change state", m.State())
		}
		if m.State() != domain.StateFailed {
			t.Errorf("expected failed, got %s", m.State())
		}
		if !errors.Is(m.Reason(), domain.ErrTransportFailure) {
			t.Errorf("unexpected reason %v", m.Reason())
		}
	}
}

func TestMachine_FailIgnoredWhenDisconnected(t *testing.T) {
	m := NewMachine(nil)
	if m.Fail(domain.ErrTransportFailure) {
		t.Fatal("Fail from disconnected must be a no-op")
	}
	if m.State() != domain.StateDisconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}
}

func TestMachine_FirstFailureReasonWins(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(domain.StateNegotiating)
	m.Fail(domain.ErrNegotiationTimeout)
	m.Fail(domain.ErrTransportFailure)

	if !errors.Is(m.Reason(), domain.ErrNegotiationTimeout) {
		t.Errorf("expected first reason to stick, got %v", m.Reason())
	}
}

func TestMachine_ResetClearsReason(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(domain.StateNegotiating)
	m.Fail(domain.ErrNegotiationTimeout)
	m.Reset()

	if m.State() != domain.StateDisconnected || m.Reason() != nil {
		t.Fatalf("expected clean disconnected, got %s (%v)", m.State(), m.Reason())
	}
	if err := m.Transition(domain.StateAwaitingOffer); err != nil {
		t.Fatalf("re-join after reset: %v", err)
	}
}
