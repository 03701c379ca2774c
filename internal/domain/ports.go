package domain

import "context"

// Signaler sends viewer-side messages to the signaling relay.
// Delivery is fire-and-forget.
type Signaler interface {
	SendJoin(deviceID, viewerID string)
	SendAnswer(deviceID, viewerID, sdp string)
	SendCandidate(deviceID, viewerID string, candidate ICECandidatePayload)
	SendLeave(deviceID, viewerID string)
}

// Handler receives signaling transport events.
type Handler interface {
	OnTransportUp(reconnected bool)
	OnTransportDown(err error)
	OnOffer(msg SignalMessage)
	OnRemoteICECandidate(msg SignalMessage)
	OnPeerLeft(msg SignalMessage)
	OnFrame(msg SignalMessage)
}

// TrackKindVideo is the Kind of a video Track. Only video tracks are shown
// and only their unmute counts as connected.
const TrackKindVideo = "video"

// Track is a received remote media track.
type Track interface {
	ID() string
	Kind() string
	Codec() string
}

// PeerEvents are the callbacks a Peer fires. They may run on any goroutine.
type PeerEvents struct {
	OnLocalCandidate func(candidate ICECandidatePayload)
	OnTrack          func(track Track)
	OnTrackUnmuted   func(track Track)
	OnTransportState func(state TransportState)
}

// Peer is one answering peer connection.
type Peer interface {
	SetRemoteDescription(sdp SDPPayload) error
	CreateAnswer() (string, error)
	AddRemoteICECandidate(candidate ICECandidatePayload) error
	Close()
}

// PeerFactory creates peers. A nil factory means the environment cannot do peer-to-peer.
type PeerFactory interface {
	NewPeer(events PeerEvents) (Peer, error)
}

// DeviceDirectory resolves a logical device identifier to a reachable device.
type DeviceDirectory interface {
	Lookup(ctx context.Context, deviceID string) (Device, error)
}

// PreferenceStore persists the stream preference.
type PreferenceStore interface {
	Preferences() StreamPreferences
	Update(fn func(*StreamPreferences))
}
