package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gardencam/live/internal/domain"
	"gardencam/live/internal/icebuffer"
)

// DefaultTimeout bounds how long an accepted offer may take to reach connected.
const DefaultTimeout = 15 * time.Second

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// Config wires a Controller to its collaborators.
type Config struct {
	ViewerID string
	Factory  domain.PeerFactory
	Signaler domain.Signaler
	Timeout  time.Duration

	// Post schedules fn on the owning event loop. Peer callbacks and timers
	// are funnelled through it so the controller is only touched from one
	// goroutine.
	Post func(fn func())

	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) Timer

	OnStatus  func(domain.Status)
	OnTrack   func(domain.Track)
	OnRelease func()
}

// Session is one negotiated connection between this viewer and a broadcaster.
type Session struct {
	epoch     uint64
	deviceID  string
	viewerID  string
	peer      domain.Peer
	buffer    *icebuffer.Buffer
	remoteSet bool
	remoteSDP string
	localSDP  string
	track     domain.Track
	timer     Timer
}

// Controller drives a single Session slot through offer/answer, candidate
// exchange, track arrival and teardown. Every session gets a fresh epoch;
// callbacks carrying an older epoch are dropped.
type Controller struct {
	cfg      Config
	machine  *Machine
	epoch    uint64
	deviceID string
	sess     *Session
	log      zerolog.Logger
}

// NewController creates a controller in the disconnected state.
func NewController(cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	c := &Controller{
		cfg: cfg,
		log: log.With().Str("component", "session").Str("viewer", cfg.ViewerID).Logger(),
	}
	c.machine = NewMachine(c.stateChanged)
	return c
}

// Status returns the current observable status.
func (c *Controller) Status() domain.Status {
	return domain.Status{DeviceID: c.deviceID, State: c.machine.State(), Reason: c.machine.Reason()}
}

// State returns the current connection state.
func (c *Controller) State() domain.ConnectionState {
	return c.machine.State()
}

// Active reports whether a peer connection is currently held.
func (c *Controller) Active() bool {
	return c.sess != nil && c.sess.peer != nil
}

// Begin discards any prior Session and waits for an offer from deviceID's
// broadcaster.
func (c *Controller) Begin(deviceID string) {
	c.Reset()
	c.deviceID = deviceID
	c.newSession(deviceID)
	if err := c.machine.Transition(domain.StateAwaitingOffer); err != nil {
		c.log.Error().Err(err).Msg("begin")
	}
}

// Reset tears down the Session and returns to disconnected.
func (c *Controller) Reset() {
	c.Teardown()
	c.machine.Reset()
}

// Fail forces failed with reason and releases the connection.
func (c *Controller) Fail(op string, reason error) {
	err := domain.NewSessionError(op, c.deviceID, reason)
	if c.machine.Fail(err) {
		c.log.Warn().Err(err).Msg("session failed")
	}
	c.Teardown()
}

// Teardown closes the connection, clears the candidate buffer and releases
// the track. It is idempotent and does not change the state.
func (c *Controller) Teardown() {
	s := c.sess
	if s == nil {
		return
	}
	c.sess = nil
	c.epoch++
	if s.timer != nil {
		s.timer.Stop()
	}
	s.buffer.Clear()
	if s.peer != nil {
		s.peer.Close()
		c.log.Debug().Uint64("epoch", s.epoch).Str("device", s.deviceID).Msg("peer closed")
	}
	if s.track != nil && c.cfg.OnRelease != nil {
		c.cfg.OnRelease()
	}
}

// OnOfferReceived answers a broadcaster offer. It is valid only from
// disconnected or awaiting-offer.
func (c *Controller) OnOfferReceived(offer domain.SignalMessage) error {
	switch c.machine.State() {
	case domain.StateDisconnected, domain.StateAwaitingOffer:
	default:
		return domain.NewSessionError("offer", offer.DeviceID, fmt.Errorf("%w in state %s", domain.ErrUnexpectedOffer, c.machine.State()))
	}
	if c.cfg.Factory == nil {
		c.Fail("offer", domain.ErrUnsupportedMode)
		return domain.NewSessionError("offer", offer.DeviceID, domain.ErrUnsupportedMode)
	}

	s := c.sess
	if s != nil && s.deviceID != offer.DeviceID {
		return domain.NewSessionError("offer", offer.DeviceID, fmt.Errorf("%w: session is for %s", domain.ErrUnexpectedOffer, s.deviceID))
	}
	if s == nil || s.peer != nil {
		// At most one negotiation per viewer-room pair.
		c.Teardown()
		c.deviceID = offer.DeviceID
		s = c.newSession(offer.DeviceID)
	}

	peer, err := c.cfg.Factory.NewPeer(c.events(s.epoch))
	if err != nil {
		c.Fail("create peer", err)
		return err
	}
	s.peer = peer

	if err := peer.SetRemoteDescription(domain.SDPPayload{Type: "offer", SDP: offer.SDP}); err != nil {
		c.Fail("set remote description", err)
		return err
	}
	s.remoteSDP = offer.SDP

	answer, err := peer.CreateAnswer()
	if err != nil {
		c.Fail("create answer", err)
		return err
	}
	s.localSDP = answer
	s.remoteSet = true

	if err := c.machine.Transition(domain.StateNegotiating); err != nil {
		c.Fail("offer", err)
		return err
	}
	c.cfg.Signaler.SendAnswer(s.deviceID, s.viewerID, answer)
	c.log.Info().Str("device", s.deviceID).Uint64("epoch", s.epoch).Msg("answer sent")

	if n := s.buffer.Len(); n > 0 {
		c.log.Debug().Int("count", n).Msg("draining buffered candidates")
	}
	if err := s.buffer.Drain(peer.AddRemoteICECandidate); err != nil {
		c.log.Warn().Err(err).Msg("apply buffered candidates")
	}

	epoch := s.epoch
	s.timer = c.cfg.AfterFunc(c.cfg.Timeout, func() {
		c.cfg.Post(func() { c.handleTimeout(epoch) })
	})
	return nil
}

// OnCandidateReceived applies a remote candidate, or buffers it until the
// remote description is set.
func (c *Controller) OnCandidateReceived(msg domain.SignalMessage) error {
	if msg.Candidate == nil {
		return nil
	}
	s := c.sess
	if s == nil || s.deviceID != msg.DeviceID {
		c.log.Debug().Str("device", msg.DeviceID).Msg("candidate without session dropped")
		return nil
	}
	if !s.remoteSet {
		s.buffer.Enqueue(*msg.Candidate)
		return nil
	}
	if err := s.peer.AddRemoteICECandidate(*msg.Candidate); err != nil {
		return domain.NewSessionError("add candidate", s.deviceID, err)
	}
	return nil
}

func (c *Controller) newSession(deviceID string) *Session {
	c.epoch++
	s := &Session{
		epoch:    c.epoch,
		deviceID: deviceID,
		viewerID: c.cfg.ViewerID,
		buffer:   icebuffer.New(),
	}
	c.sess = s
	return s
}

func (c *Controller) current(epoch uint64) (*Session, bool) {
	if c.sess == nil || c.sess.epoch != epoch {
		return nil, false
	}
	return c.sess, true
}

func (c *Controller) events(epoch uint64) domain.PeerEvents {
	post := c.cfg.Post
	return domain.PeerEvents{
		OnLocalCandidate: func(cand domain.ICECandidatePayload) {
			post(func() { c.handleLocalCandidate(epoch, cand) })
		},
		OnTrack: func(track domain.Track) {
			post(func() { c.handleTrack(epoch, track) })
		},
		OnTrackUnmuted: func(track domain.Track) {
			post(func() { c.handleUnmuted(epoch, track) })
		},
		OnTransportState: func(state domain.TransportState) {
			post(func() { c.handleTransportState(epoch, state) })
		},
	}
}

// Trickle: every local candidate goes out as soon as it is gathered.
func (c *Controller) handleLocalCandidate(epoch uint64, cand domain.ICECandidatePayload) {
	s, ok := c.current(epoch)
	if !ok {
		return
	}
	c.cfg.Signaler.SendCandidate(s.deviceID, s.viewerID, cand)
}

func (c *Controller) handleTrack(epoch uint64, track domain.Track) {
	s, ok := c.current(epoch)
	if !ok {
		return
	}
	if track.Kind() != domain.TrackKindVideo {
		c.log.Debug().Str("track", track.ID()).Str("kind", track.Kind()).Msg("non-video track ignored")
		return
	}
	c.log.Info().Str("track", track.ID()).Str("kind", track.Kind()).Msg("track received")
	s.track = track
	if c.cfg.OnTrack != nil {
		c.cfg.OnTrack(track)
	}
}

// Unmute of the video track is the only signal that flips the session to
// connected.
func (c *Controller) handleUnmuted(epoch uint64, track domain.Track) {
	s, ok := c.current(epoch)
	if !ok || track.Kind() != domain.TrackKindVideo {
		return
	}
	if s.track == nil {
		c.handleTrack(epoch, track)
	}
	if c.machine.State() != domain.StateNegotiating {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := c.machine.Transition(domain.StateConnected); err != nil {
		c.log.Error().Err(err).Msg("unmute")
	}
}

func (c *Controller) handleTransportState(epoch uint64, state domain.TransportState) {
	if _, ok := c.current(epoch); !ok {
		return
	}
	c.log.Debug().Str("ice", state.String()).Msg("transport state")
	switch state {
	case domain.TransportFailed, domain.TransportDisconnected:
		c.Fail("ice", fmt.Errorf("%w: ice %s", domain.ErrTransportFailure, state))
	}
}

func (c *Controller) handleTimeout(epoch uint64) {
	if _, ok := c.current(epoch); !ok {
		return
	}
	if c.machine.State() == domain.StateConnected {
		return
	}
	c.Fail("negotiate", domain.ErrNegotiationTimeout)
}

func (c *Controller) stateChanged(from, to domain.ConnectionState, reason error) {
	ev := c.log.Info().Str("from", from.String()).Str("to", to.String())
	if reason != nil {
		ev = ev.AnErr("reason", reason)
	}
	ev.Msg("state")
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(domain.Status{DeviceID: c.deviceID, State: to, Reason: reason})
	}
}
