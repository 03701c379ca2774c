package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrTransportFailure   = errors.New("transport failure")
	ErrUnsupportedMode    = errors.New("stream mode not supported here")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrUnexpectedOffer    = errors.New("unexpected offer")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrNoDevice           = errors.New("no device selected")
)

// SessionError records which operation on which device failed.
type SessionError struct {
	Op       string
	DeviceID string
	Err      error
}

func (e *SessionError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError wraps err with the failing operation and device.
func NewSessionError(op, deviceID string, err error) *SessionError {
	return &SessionError{Op: op, DeviceID: deviceID, Err: err}
}
