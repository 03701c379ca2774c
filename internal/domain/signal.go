package domain

import "fmt"

// MessageType tags a SignalMessage.
type MessageType string

const (
	MessageJoin      MessageType = "join-room"
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "ice-candidate"
	MessageLeave     MessageType = "leave"
	MessageFrame     MessageType = "frame"
)

// Role identifies which side of a room a connection speaks for.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleBroadcaster Role = "broadcaster"
)

// SignalMessage is the JSON envelope exchanged over the signaling channel.
// It is relayed verbatim and never persisted.
type SignalMessage struct {
	Type       MessageType          `json:"type"`
	DeviceID   string               `json:"deviceId"`
	ViewerID   string               `json:"viewerId,omitempty"`
	Role       Role                 `json:"role,omitempty"`
	SDP        string               `json:"sdp,omitempty"`
	Candidate  *ICECandidatePayload `json:"candidate,omitempty"`
	Base64JPEG string               `json:"base64Jpeg,omitempty"`
}

// Validate checks that the fields required by the message type are present.
func (m SignalMessage) Validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("%s: missing deviceId", m.Type)
	}
	switch m.Type {
	case MessageJoin, MessageLeave:
		if m.Role != RoleBroadcaster && m.ViewerID == "" {
			return fmt.Errorf("%s: missing viewerId", m.Type)
		}
	case MessageOffer:
		if m.SDP == "" {
			return fmt.Errorf("offer: missing sdp")
		}
	case MessageAnswer:
		if m.SDP == "" || m.ViewerID == "" {
			return fmt.Errorf("answer: missing sdp or viewerId")
		}
	case MessageCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate: missing candidate")
		}
	case MessageFrame:
		if m.Base64JPEG == "" {
			return fmt.Errorf("frame: missing base64Jpeg")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// SDPPayload is the JSON structure for SDP offer/answer descriptions.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}
