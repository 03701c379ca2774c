package domain

// ConnectionState is the negotiation state of a viewer's Session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateAwaitingOffer
	StateNegotiating
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the UI stops showing a waiting indicator.
func (s ConnectionState) Terminal() bool {
	return s == StateConnected || s == StateFailed
}

// Status is the observable snapshot rendered by the persistent status indicator.
type Status struct {
	DeviceID string
	State    ConnectionState
	Reason   error
}

// Message renders a short human-readable diagnostic.
func (s Status) Message() string {
	switch s.State {
	case StateDisconnected:
		return "not connected"
	case StateAwaitingOffer:
		return "waiting for camera " + s.DeviceID
	case StateNegotiating:
		return "connecting to camera " + s.DeviceID
	case StateConnected:
		return "live"
	case StateFailed:
		if s.Reason != nil {
			return "failed: " + s.Reason.Error()
		}
		return "failed"
	}
	return s.State.String()
}

// TransportState is the ICE transport state reported by a Peer.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportChecking
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (t TransportState) String() string {
	switch t {
	case TransportNew:
		return "new"
	case TransportChecking:
		return "checking"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}
