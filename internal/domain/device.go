package domain

// Device is a directory entry for a camera-bearing field device.
type Device struct {
	ID          string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	StreamURL   string `json:"streamUrl,omitempty"`
}

// StreamPreferences is the persisted per-installation stream preference.
type StreamPreferences struct {
	Mode     string `toml:"mode"`
	DeviceID string `toml:"device_id"`
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URL        string
	Username   string
	Credential string
}
