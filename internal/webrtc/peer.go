package webrtc

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gardencam/live/internal/domain"
)

// Options configures a Factory.
type Options struct {
	ICEServers []domain.ICEServer

	// VideoSink receives H264 Annex-B from the active video track. May be nil.
	VideoSink io.Writer

	// LoggerFactory routes pion's internal logging. May be nil.
	LoggerFactory logging.LoggerFactory
}

// Factory builds answering peers that share one pion API instance.
// It implements domain.PeerFactory.
type Factory struct {
	api    *pion.API
	config pion.Configuration
	sink   *lockedWriter
	log    zerolog.Logger
}

// NewFactory registers codecs and receive-side interceptors.
func NewFactory(opts Options) (*Factory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)

	i := &interceptor.Registry{}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)

	// Ask the camera for a keyframe periodically so a fresh viewer can decode.
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	se := pion.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range opts.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	f := &Factory{
		api: api,
		config: pion.Configuration{
			ICEServers:   servers,
			BundlePolicy: pion.BundlePolicyMaxBundle,
		},
		log: log.With().Str("component", "webrtc").Logger(),
	}
	if opts.VideoSink != nil {
		f.sink = &lockedWriter{w: opts.VideoSink}
	}
	return f, nil
}

// NewPeer creates a PeerConnection wired to events.
func (f *Factory) NewPeer(events domain.PeerEvents) (domain.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:     pc,
		events: events,
		sink:   f.sink,
		log:    f.log,
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			p.log.Debug().Msg("filtering loopback ICE candidate")
			return
		}
		if events.OnLocalCandidate != nil {
			events.OnLocalCandidate(fromCandidateInit(init))
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("ICE connection state")
		if events.OnTransportState != nil {
			events.OnTransportState(transportState(state))
		}
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		// Informational only: "connected" here does not mean media is flowing.
		p.log.Debug().Str("state", state.String()).Msg("peer connection state")
	})
	pc.OnTrack(p.handleTrack)

	return p, nil
}

// Peer wraps a Pion PeerConnection on the answering side.
type Peer struct {
	pc     *pion.PeerConnection
	events domain.PeerEvents
	sink   *lockedWriter
	log    zerolog.Logger
}

// SetRemoteDescription applies the broadcaster's offer.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	desc := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp.SDP}
	if sdp.Type != "" {
		desc.Type = pion.NewSDPType(sdp.Type)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug().Msg("remote SDP offer set")
	return nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP answer set")
	return answer.SDP, nil
}

// AddRemoteICECandidate adds a remote candidate. The caller guarantees the
// remote description is already set.
func (p *Peer) AddRemoteICECandidate(candidate domain.ICECandidatePayload) error {
	if err := p.pc.AddICECandidate(toCandidateInit(candidate)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close shuts down the PeerConnection; track readers exit on their next read.
func (p *Peer) Close() {
	if err := p.pc.Close(); err != nil {
		p.log.Warn().Err(err).Msg("close peer connection")
	}
}

func (p *Peer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	rt := remoteTrack{t: track}
	p.log.Info().
		Str("kind", track.Kind().String()).
		Str("codec", track.Codec().MimeType).
		Msg("got track")

	if p.events.OnTrack != nil {
		p.events.OnTrack(rt)
	}
	go p.readTrack(track, rt)
}

// readTrack drains the track. The first packet carrying payload is the
// unmute signal.
func (p *Peer) readTrack(track *pion.TrackRemote, rt remoteTrack) {
	var h264 *annexB
	if track.Kind() == pion.RTPCodecTypeVideo && strings.EqualFold(track.Codec().MimeType, pion.MimeTypeH264) && p.sink != nil {
		h264 = &annexB{}
	}

	unmuted := false
	var buf []byte
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.log.Debug().Err(err).Str("track", track.ID()).Msg("track read ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if !unmuted {
			unmuted = true
			if p.events.OnTrackUnmuted != nil {
				p.events.OnTrackUnmuted(rt)
			}
		}
		if h264 == nil {
			continue
		}
		if buf = h264.append(buf[:0], pkt.SequenceNumber, pkt.Payload); len(buf) > 0 {
			p.sink.write(buf)
		}
	}
}

type remoteTrack struct {
	t *pion.TrackRemote
}

func (r remoteTrack) ID() string    { return r.t.ID() }
func (r remoteTrack) Kind() string  { return r.t.Kind().String() }
func (r remoteTrack) Codec() string { return r.t.Codec().MimeType }

// lockedWriter serializes Annex-B writes from track readers of successive
// peers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
}

func transportState(s pion.ICEConnectionState) domain.TransportState {
	switch s {
	case pion.ICEConnectionStateChecking:
		return domain.TransportChecking
	case pion.ICEConnectionStateConnected, pion.ICEConnectionStateCompleted:
		return domain.TransportConnected
	case pion.ICEConnectionStateDisconnected:
		return domain.TransportDisconnected
	case pion.ICEConnectionStateFailed:
		return domain.TransportFailed
	case pion.ICEConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

func toCandidateInit(c domain.ICECandidatePayload) pion.ICECandidateInit {
	sdpMid := c.SDPMid
	sdpMLineIndex := uint16(c.SDPMLineIndex)
	return pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
}

func fromCandidateInit(init pion.ICECandidateInit) domain.ICECandidatePayload {
	c := domain.ICECandidatePayload{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	return c
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
