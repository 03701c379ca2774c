// Package stream puts the three ways of getting pictures from a device
// behind one Frame contract. Exactly one Source is active per viewer.
package stream

import (
	"fmt"
	"time"

	"gardencam/live/internal/domain"
)

// Mode names a stream acquisition mode.
type Mode string

const (
	ModePeerToPeer Mode = "peer-to-peer"
	ModePushRelay  Mode = "push-relay"
	ModePullURL    Mode = "pull-url"
)

// ParseMode validates a mode name. The empty string selects peer-to-peer.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePeerToPeer:
		return ModePeerToPeer, nil
	case ModePushRelay:
		return ModePushRelay, nil
	case ModePullURL:
		return ModePullURL, nil
	}
	return "", fmt.Errorf("unknown stream mode %q", s)
}

// Frame is what the UI renders. Exactly one of Track, JPEG or URL is set,
// depending on Mode.
type Frame struct {
	Mode     Mode
	DeviceID string
	Track    domain.Track
	JPEG     []byte
	URL      string
	At       time.Time
}

// Source is implemented only by *PeerToPeer, *PushRelay and *PullURL.
type Source interface {
	Mode() Mode
	DeviceID() string
	// Frame returns the current frame, or false if the source has nothing
	// renderable at now.
	Frame(now time.Time) (Frame, bool)
	Close()

	sealed()
}

// PeerToPeer renders the remote track of a negotiated session. It is
// available only while the session is connected.
type PeerToPeer struct {
	deviceID string
	state    func() domain.ConnectionState
	release  func()
	track    domain.Track
	since    time.Time
}

// NewPeerToPeer creates the peer variant. state reports the session state;
// release tears the session down when the source is closed.
func NewPeerToPeer(deviceID string, state func() domain.ConnectionState, release func()) *PeerToPeer {
	return &PeerToPeer{deviceID: deviceID, state: state, release: release}
}

func (p *PeerToPeer) Mode() Mode       { return ModePeerToPeer }
func (p *PeerToPeer) DeviceID() string { return p.deviceID }
func (p *PeerToPeer) sealed()          {}

// Attach records the received track.
func (p *PeerToPeer) Attach(track domain.Track, at time.Time) {
	p.track = track
	p.since = at
}

// Detach forgets the track after its session was torn down.
func (p *PeerToPeer) Detach() {
	p.track = nil
}

func (p *PeerToPeer) Frame(time.Time) (Frame, bool) {
	if p.state() != domain.StateConnected || p.track == nil {
		return Frame{}, false
	}
	return Frame{Mode: ModePeerToPeer, DeviceID: p.deviceID, Track: p.track, At: p.since}, true
}

// Close releases the session and the track.
func (p *PeerToPeer) Close() {
	p.track = nil
	if p.release != nil {
		p.release()
	}
}

// PushRelay renders the latest still frame pushed for its device.
type PushRelay struct {
	deviceID string
	cache    *FrameCache
}

// NewPushRelay creates the push variant over cache.
func NewPushRelay(deviceID string, cache *FrameCache) *PushRelay {
	return &PushRelay{deviceID: deviceID, cache: cache}
}

func (p *PushRelay) Mode() Mode       { return ModePushRelay }
func (p *PushRelay) DeviceID() string { return p.deviceID }
func (p *PushRelay) sealed()          {}

// Push decodes and stores a frame for this source's device. Frames for
// other devices are ignored.
func (p *PushRelay) Push(deviceID, base64JPEG string, at time.Time) error {
	if deviceID != p.deviceID {
		return nil
	}
	return p.cache.Put(deviceID, base64JPEG, at)
}

func (p *PushRelay) Frame(now time.Time) (Frame, bool) {
	jpeg, at, ok := p.cache.Get(p.deviceID, now)
	if !ok {
		return Frame{}, false
	}
	return Frame{Mode: ModePushRelay, DeviceID: p.deviceID, JPEG: jpeg, At: at}, true
}

// Close clears buffered frames.
func (p *PushRelay) Close() {
	p.cache.Clear()
}

// PullURL renders a stream URL the UI embeds directly.
type PullURL struct {
	deviceID string
	url      string
}

// NewPullURL creates the pull variant.
func NewPullURL(deviceID, url string) *PullURL {
	return &PullURL{deviceID: deviceID, url: url}
}

func (p *PullURL) Mode() Mode       { return ModePullURL }
func (p *PullURL) DeviceID() string { return p.deviceID }
func (p *PullURL) sealed()          {}

func (p *PullURL) Frame(now time.Time) (Frame, bool) {
	if p.url == "" {
		return Frame{}, false
	}
	return Frame{Mode: ModePullURL, DeviceID: p.deviceID, URL: p.url, At: now}, true
}

func (p *PullURL) Close() {}
