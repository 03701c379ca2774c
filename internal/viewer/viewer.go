package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gardencam/live/internal/domain"
	"gardencam/live/internal/eventloop"
	"gardencam/live/internal/session"
	"gardencam/live/internal/stream"
)

// Config wires a Viewer.
type Config struct {
	// ViewerID identifies this viewer in every room. Generated if empty.
	ViewerID string

	// Factory creates peer connections. Nil means peer-to-peer is not
	// supported here.
	Factory   domain.PeerFactory
	Directory domain.DeviceDirectory
	Store     domain.PreferenceStore

	Timeout    time.Duration
	StaleAfter time.Duration

	// Test hooks.
	Now       func() time.Time
	AfterFunc func(d time.Duration, fn func()) session.Timer
}

// Viewer coordinates room membership, the peer session and the active
// stream source for one dashboard client. It implements domain.Handler.
// All state except the published status is owned by its event loop.
type Viewer struct {
	id     string
	cfg    Config
	loop   *eventloop.Loop
	ctrl   *session.Controller
	sel    *stream.Selector
	cache  *stream.FrameCache
	signal domain.Signaler
	mode   stream.Mode
	device domain.Device
	online bool
	log    zerolog.Logger

	mu        sync.Mutex
	status    domain.Status
	observers []func(domain.Status)
}

// New creates a Viewer. Call SetSignaler before Run to complete the
// circular dependency (Viewer needs Signaler, Signal needs Handler).
func New(cfg Config) *Viewer {
	if cfg.ViewerID == "" {
		cfg.ViewerID = uuid.NewString()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := &Viewer{
		id:    cfg.ViewerID,
		cfg:   cfg,
		loop:  eventloop.New(),
		sel:   stream.NewSelector(),
		cache: stream.NewFrameCache(cfg.StaleAfter),
		mode:  stream.ModePeerToPeer,
		log:   log.With().Str("component", "viewer").Str("viewer", cfg.ViewerID).Logger(),
	}
	v.ctrl = session.NewController(session.Config{
		ViewerID:  cfg.ViewerID,
		Factory:   cfg.Factory,
		Signaler:  signalerFunc(v.signaler),
		Timeout:   cfg.Timeout,
		Post:      func(fn func()) { v.loop.Post(fn) },
		AfterFunc: cfg.AfterFunc,
		OnStatus:  v.publish,
		OnTrack:   v.attachTrack,
		OnRelease: v.detachTrack,
	})

	if cfg.Store != nil {
		prefs := cfg.Store.Preferences()
		mode, err := stream.ParseMode(prefs.Mode)
		if err != nil {
			v.log.Warn().Err(err).Msg("ignoring stored mode")
			mode = stream.ModePeerToPeer
		}
		v.mode = mode
	}
	if v.mode == stream.ModePeerToPeer && cfg.Factory == nil {
		v.log.Warn().Msg("peer-to-peer unavailable, falling back to push relay")
		v.mode = stream.ModePushRelay
	}
	return v
}

// SetSignaler injects the relay transport.
func (v *Viewer) SetSignaler(s domain.Signaler) {
	v.signal = s
}

// ID returns the viewer identifier used in every room.
func (v *Viewer) ID() string {
	return v.id
}

// LastDevice returns the persisted device selection, if any.
func (v *Viewer) LastDevice() string {
	if v.cfg.Store == nil {
		return ""
	}
	return v.cfg.Store.Preferences().DeviceID
}

// Run processes events until ctx is cancelled.
func (v *Viewer) Run(ctx context.Context) {
	v.loop.Run(ctx)
}

// OnStatus registers fn to be called on every state change.
func (v *Viewer) OnStatus(fn func(domain.Status)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, fn)
}

// State returns the latest status without waiting for the event loop.
func (v *Viewer) State() domain.Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// Mode returns the active stream mode.
func (v *Viewer) Mode(ctx context.Context) (stream.Mode, error) {
	var m stream.Mode
	err := v.loop.Do(ctx, func() { m = v.mode })
	return m, err
}

// Frame returns what the UI should render now, or false for nothing.
func (v *Viewer) Frame(ctx context.Context) (stream.Frame, bool, error) {
	var (
		f  stream.Frame
		ok bool
	)
	err := v.loop.Do(ctx, func() { f, ok = v.sel.Frame(v.cfg.Now()) })
	return f, ok, err
}

// SelectDevice switches to deviceID's room. Any prior session is torn down
// and the state reset to disconnected before the new room is joined.
func (v *Viewer) SelectDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return domain.ErrNoDevice
	}
	dev := domain.Device{ID: deviceID}
	if v.cfg.Directory != nil {
		var err error
		if dev, err = v.cfg.Directory.Lookup(ctx, deviceID); err != nil {
			return fmt.Errorf("select device: %w", err)
		}
	}

	return v.loop.Do(ctx, func() {
		if v.device.ID != "" && v.online {
			v.signaler().SendLeave(v.device.ID, v.id)
		}
		v.sel.Activate(nil)
		v.ctrl.Reset()

		v.device = dev
		v.log.Info().Str("device", dev.ID).Str("name", dev.DisplayName).Msg("device selected")
		if v.cfg.Store != nil {
			v.cfg.Store.Update(func(p *domain.StreamPreferences) { p.DeviceID = dev.ID })
		}
		v.activate()
		v.join()
	})
}

// SelectMode switches the stream mode. The previous source is closed before
// the new one becomes active.
func (v *Viewer) SelectMode(ctx context.Context, mode stream.Mode) error {
	if _, err := stream.ParseMode(string(mode)); err != nil {
		return err
	}
	if mode == stream.ModePeerToPeer && v.cfg.Factory == nil {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedMode, mode)
	}

	return v.loop.Do(ctx, func() {
		if mode == v.mode {
			return
		}
		v.log.Info().Str("from", string(v.mode)).Str("to", string(mode)).Msg("mode switch")
		v.mode = mode
		if v.cfg.Store != nil {
			v.cfg.Store.Update(func(p *domain.StreamPreferences) { p.Mode = string(mode) })
		}
		if v.device.ID == "" {
			return
		}
		v.activate()
		if mode == stream.ModePeerToPeer {
			// Ask the broadcaster for a fresh offer.
			v.join()
		}
	})
}

// Retry restarts negotiation after a failure. It is the only way out of
// failed besides switching device or mode.
func (v *Viewer) Retry(ctx context.Context) error {
	return v.loop.Do(ctx, func() {
		if v.device.ID == "" {
			return
		}
		v.log.Info().Str("device", v.device.ID).Msg("retry")
		v.activate()
		v.join()
	})
}

// Close leaves the room and releases the active source.
func (v *Viewer) Close(ctx context.Context) error {
	err := v.loop.Do(ctx, func() {
		if v.device.ID != "" && v.online {
			v.signaler().SendLeave(v.device.ID, v.id)
		}
		v.sel.Close()
		v.ctrl.Reset()
	})
	if errors.Is(err, eventloop.ErrStopped) {
		return nil
	}
	return err
}

// activate installs the source for the current mode and device, closing
// the previous one first.
func (v *Viewer) activate() {
	id := v.device.ID
	switch v.mode {
	case stream.ModePeerToPeer:
		v.sel.Activate(stream.NewPeerToPeer(id, v.ctrl.State, v.ctrl.Reset))
		v.ctrl.Begin(id)
	case stream.ModePushRelay:
		v.sel.Activate(stream.NewPushRelay(id, v.cache))
	case stream.ModePullURL:
		v.sel.Activate(stream.NewPullURL(id, v.device.StreamURL))
	}
}

func (v *Viewer) join() {
	if !v.online || v.device.ID == "" {
		return
	}
	v.signaler().SendJoin(v.device.ID, v.id)
}

func (v *Viewer) signaler() domain.Signaler {
	if v.signal == nil {
		return nopSignaler{}
	}
	return v.signal
}

// relevant reports whether msg is addressed to this viewer's current room.
func (v *Viewer) relevant(msg domain.SignalMessage) bool {
	if msg.DeviceID != v.device.ID {
		return false
	}
	return msg.ViewerID == "" || msg.ViewerID == v.id
}

// OnTransportUp re-joins the selected room. After a reconnect the session
// restarts from disconnected; SDP and ICE state never survive the
// transport.
func (v *Viewer) OnTransportUp(reconnected bool) {
	v.loop.Post(func() {
		v.online = true
		if v.device.ID == "" {
			return
		}
		v.log.Info().Str("device", v.device.ID).Bool("reconnected", reconnected).Msg("transport up, joining room")
		if reconnected && v.mode == stream.ModePeerToPeer {
			v.ctrl.Reset()
			v.ctrl.Begin(v.device.ID)
		}
		v.join()
	})
}

// OnTransportDown fails an unfinished negotiation. An established media
// path is left alone until the transport comes back.
func (v *Viewer) OnTransportDown(err error) {
	v.loop.Post(func() {
		v.online = false
		switch v.ctrl.State() {
		case domain.StateAwaitingOffer, domain.StateNegotiating:
			v.ctrl.Fail("signal", fmt.Errorf("%w: %v", domain.ErrTransportFailure, err))
		}
	})
}

func (v *Viewer) OnOffer(msg domain.SignalMessage) {
	v.loop.Post(func() {
		if v.mode != stream.ModePeerToPeer || !v.relevant(msg) {
			v.log.Debug().Str("device", msg.DeviceID).Str("mode", string(v.mode)).Msg("offer ignored")
			return
		}
		if err := v.ctrl.OnOfferReceived(msg); err != nil {
			v.log.Warn().Err(err).Msg("offer")
		}
	})
}

func (v *Viewer) OnRemoteICECandidate(msg domain.SignalMessage) {
	v.loop.Post(func() {
		if v.mode != stream.ModePeerToPeer || !v.relevant(msg) {
			return
		}
		if err := v.ctrl.OnCandidateReceived(msg); err != nil {
			v.log.Warn().Err(err).Msg("remote candidate")
		}
	})
}

// OnPeerLeft restarts the wait for an offer when the broadcaster goes away.
func (v *Viewer) OnPeerLeft(msg domain.SignalMessage) {
	v.loop.Post(func() {
		if msg.Role != domain.RoleBroadcaster || msg.DeviceID != v.device.ID || v.mode != stream.ModePeerToPeer {
			return
		}
		v.log.Info().Str("device", msg.DeviceID).Msg("broadcaster left")
		v.activate()
	})
}

func (v *Viewer) OnFrame(msg domain.SignalMessage) {
	v.loop.Post(func() {
		src, ok := v.sel.Active().(*stream.PushRelay)
		if !ok {
			return
		}
		if err := src.Push(msg.DeviceID, msg.Base64JPEG, v.cfg.Now()); err != nil {
			v.log.Warn().Err(err).Str("device", msg.DeviceID).Msg("frame rejected")
		}
	})
}

func (v *Viewer) attachTrack(track domain.Track) {
	if src, ok := v.sel.Active().(*stream.PeerToPeer); ok {
		src.Attach(track, v.cfg.Now())
	}
}

func (v *Viewer) detachTrack() {
	if src, ok := v.sel.Active().(*stream.PeerToPeer); ok {
		src.Detach()
	}
}

func (v *Viewer) publish(st domain.Status) {
	v.mu.Lock()
	v.status = st
	observers := append([]func(domain.Status){}, v.observers...)
	v.mu.Unlock()

	for _, fn := range observers {
		fn(st)
	}
}

// signalerFunc resolves the signaler lazily, after SetSignaler.
type signalerFunc func() domain.Signaler

func (f signalerFunc) SendJoin(deviceID, viewerID string) { f().SendJoin(deviceID, viewerID) }
func (f signalerFunc) SendAnswer(deviceID, viewerID, sdp string) {
	f().SendAnswer(deviceID, viewerID, sdp)
}
func (f signalerFunc) SendCandidate(deviceID, viewerID string, c domain.ICECandidatePayload) {
	f().SendCandidate(deviceID, viewerID, c)
}
func (f signalerFunc) SendLeave(deviceID, viewerID string) { f().SendLeave(deviceID, viewerID) }

type nopSignaler struct{}

func (nopSignaler) SendJoin(string, string)                                  {}
func (nopSignaler) SendAnswer(string, string, string)                        {}
func (nopSignaler) SendCandidate(string, string, domain.ICECandidatePayload) {}
func (nopSignaler) SendLeave(string, string)                                 {}
