package session

import (
	"errors"
	"testing"
	"time"

	"gardencam/live/internal/domain"
)

// mockSignaler records outgoing messages.
type mockSignaler struct {
	answers    []string
	candidates []domain.ICECandidatePayload
}

func (m *mockSignaler) SendJoin(deviceID, viewerID string) {}
func (m *mockSignaler) SendAnswer(deviceID, viewerID, sdp string) {
	m.answers = append(m.answers, sdp)
}
func (m *mockSignaler) SendCandidate(deviceID, viewerID string, c domain.ICECandidatePayload) {
	m.candidates = append(m.candidates, c)
}
func (m *mockSignaler) SendLeave(deviceID, viewerID string) {}

// mockPeer records calls and the order candidates were applied in.
type mockPeer struct {
	events        domain.PeerEvents
	remoteDescSet bool
	applied       []string
	appliedEarly  bool
	closed        int
	answerErr     error
}

func (m *mockPeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	m.remoteDescSet = true
	return nil
}
func (m *mockPeer) CreateAnswer() (string, error) {
	if m.answerErr != nil {
		return "", m.answerErr
	}
	return "v=0\r\nanswer", nil
}
func (m *mockPeer) AddRemoteICECandidate(c domain.ICECandidatePayload) error {
	if !m.remoteDescSet {
		m.appliedEarly = true
	}
	m.applied = append(m.applied, c.Candidate)
	return nil
}
func (m *mockPeer) Close() { m.closed++ }

type mockFactory struct {
	peers     []*mockPeer
	answerErr error
}

func (f *mockFactory) NewPeer(ev domain.PeerEvents) (domain.Peer, error) {
	p := &mockPeer{events: ev, answerErr: f.answerErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *mockFactory) live() int {
	n := 0
	for _, p := range f.peers {
		if p.closed == 0 {
			n++
		}
	}
	return n
}

// manualTimer fires only when the test says so.
type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type mockTrack struct{ id, kind string }

func (t mockTrack) ID() string { return t.id }
func (t mockTrack) Kind() string {
	if t.kind == "" {
		return domain.TrackKindVideo
	}
	return t.kind
}
func (t mockTrack) Codec() string { return "video/H264" }

type harness struct {
	c       *Controller
	sig     *mockSignaler
	factory *mockFactory
	timers  []*manualTimer
	states  []domain.ConnectionState
	tracks  []domain.Track
	release int
}

func newHarness() *harness {
	h := &harness{sig: &mockSignaler{}, factory: &mockFactory{}}
	h.c = NewController(Config{
		ViewerID: "viewer-1",
		Factory:  h.factory,
		Signaler: h.sig,
		Timeout:  time.Second,
		AfterFunc: func(d time.Duration, fn func()) Timer {
			t := &manualTimer{fn: fn}
			h.timers = append(h.timers, t)
			return t
		},
		OnStatus:  func(s domain.Status) { h.states = append(h.states, s.State) },
		OnTrack:   func(tr domain.Track) { h.tracks = append(h.tracks, tr) },
		OnRelease: func() { h.release++ },
	})
	return h
}

// accept delivers an offer that must be accepted.
func (h *harness) accept(t *testing.T, device string) {
	t.Helper()
	if err := h.c.OnOfferReceived(offer(device)); err != nil {
		t.Fatalf("offer %s: %v", device, err)
	}
}

func offer(device string) domain.SignalMessage {
	return domain.SignalMessage{Type: domain.MessageOffer, DeviceID: device, SDP: "v=0\r\noffer"}
}

func candidate(device, s string) domain.SignalMessage {
	return domain.SignalMessage{
		Type:      domain.MessageCandidate,
		DeviceID:  device,
		Candidate: &domain.ICECandidatePayload{SDPMid: "0", Candidate: s},
	}
}

func TestBegin_AwaitsOffer(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")

	if got := h.c.State(); got != domain.StateAwaitingOffer {
		t.Fatalf("expected awaiting-offer, got %s", got)
	}
	if len(h.factory.peers) != 0 {
		t.Errorf("no peer should exist before an offer, got %d", len(h.factory.peers))
	}
}

func TestOffer_AnswersAndNegotiates(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")

	if err := h.c.OnOfferReceived(offer("dev-42")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got := h.c.State(); got != domain.StateNegotiating {
		t.Fatalf("expected negotiating, got %s", got)
	}
	if len(h.sig.answers) != 1 || h.sig.answers[0] != "v=0\r\nanswer" {
		t.Errorf("expected one answer to be sent, got %v", h.sig.answers)
	}
	if !h.factory.peers[0].remoteDescSet {
		t.Error("expected remote description to be set")
	}
}

func TestCandidatesBeforeOffer_BufferedThenAppliedInOrder(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")

	for _, s := range []string{"c1", "c2", "c3"} {
		if err := h.c.OnCandidateReceived(candidate("dev-42", s)); err != nil {
			t.Fatalf("candidate %s: %v", s, err)
		}
	}
	if err := h.c.OnOfferReceived(offer("dev-42")); err != nil {
		t.Fatalf("offer: %v", err)
	}

	p := h.factory.peers[0]
	if p.appliedEarly {
		t.Fatal("candidate applied before remote description")
	}
	want := []string{"c1", "c2", "c3"}
	if len(p.applied) != len(want) {
		t.Fatalf("expected %v applied, got %v", want, p.applied)
	}
	for i := range want {
		if p.applied[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], p.applied[i])
		}
	}

	// Later candidates go straight to the peer.
	if err := h.c.OnCandidateReceived(candidate("dev-42", "c4")); err != nil {
		t.Fatalf("candidate c4: %v", err)
	}
	if len(p.applied) != 4 || p.applied[3] != "c4" {
		t.Errorf("expected c4 applied immediately, got %v", p.applied)
	}
}

func TestMutedTrack_DoesNotConnect(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")
	h.accept(t, "dev-42")

	p := h.factory.peers[0]
	p.events.OnTransportState(domain.TransportConnected)
	p.events.OnTrack(mockTrack{id: "video0"})

	if got := h.c.State(); got != domain.StateNegotiating {
		t.Fatalf("track arrival or ICE connected must not connect, got %s", got)
	}
	if len(h.tracks) != 1 {
		t.Errorf("expected track attached, got %d", len(h.tracks))
	}

	p.events.OnTrackUnmuted(mockTrack{id: "video0"})
	if got := h.c.State(); got != domain.StateConnected {
		t.Fatalf("expected connected after unmute, got %s", got)
	}
	if !h.timers[0].stopped {
		t.Error("expected negotiation timer to be stopped once connected")
	}
}

func TestAudioTrack_DoesNotConnect(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")
	h.accept(t, "dev-42")

	p := h.factory.peers[0]
	audio := mockTrack{id: "audio0", kind: "audio"}
	p.events.OnTrack(audio)
	p.events.OnTrackUnmuted(audio)

	if got := h.c.State(); got != domain.StateNegotiating {
		t.Fatalf("audio unmute must not connect, got %s", got)
	}
	if len(h.tracks) != 0 {
		t.Fatalf("expected audio track not attached, got %v", h.tracks)
	}

	p.events.OnTrackUnmuted(mockTrack{id: "video0"})
	if got := h.c.State(); got != domain.StateConnected {
		t.Fatalf("expected connected after video unmute, got %s", got)
	}
	if len(h.tracks) != 1 || h.tracks[0].ID() != "video0" {
		t.Errorf("expected the video track attached, got %v", h.tracks)
	}

	// A late audio track never replaces the attached video.
	p.events.OnTrack(audio)
	if len(h.tracks) != 1 {
		t.Errorf("expected audio ignored after connect, got %v", h.tracks)
	}
}

func TestLocalCandidates_TrickledToRelay(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")
	h.accept(t, "dev-42")

	p := h.factory.peers[0]
	p.events.OnLocalCandidate(domain.ICECandidatePayload{Candidate: "l1"})
	p.events.OnLocalCandidate(domain.ICECandidatePayload{Candidate: "l2"})

	if len(h.sig.candidates) != 2 || h.sig.candidates[1].Candidate != "l2" {
		t.Errorf("expected both local candidates forwarded in order, got %v", h.sig.candidates)
	}
}

func TestTimeout_Fails(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")
	h.accept(t, "dev-42")

	h.timers[0].fn()

	st := h.c.Status()
	if st.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", st.State)
	}
	if !errors.Is(st.Reason, domain.ErrNegotiationTimeout) {
		t.Errorf("expected NegotiationTimeout reason, got %v", st.Reason)
	}
	if h.factory.live() != 0 {
		t.Error("expected peer closed after failure")
	}
}

func TestICEFailure_ForcesFailed(t *testing.T) {
	for _, ts := range []domain.TransportState{domain.TransportFailed, domain.TransportDisconnected} {
		h := newHarness()
		h.c.Begin("dev-42")
		h.accept(t, "dev-42")
		p := h.factory.peers[0]
		p.events.OnTrackUnmuted(mockTrack{id: "v"})

		p.events.OnTransportState(ts)

		st := h.c.Status()
		if st.State != domain.StateFailed || !errors.Is(st.Reason, domain.ErrTransportFailure) {
			t.Errorf("%s: expected failed/TransportFailure, got %s (%v)", ts, st.State, st.Reason)
		}
	}
}

func TestStaleCallbacks_Discarded(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")
	h.accept(t, "dev-42")
	old := h.factory.peers[0]

	h.c.Begin("dev-7")
	h.accept(t, "dev-7")

	old.events.OnTrackUnmuted(mockTrack{id: "old"})
	old.events.OnTransportState(domain.TransportFailed)
	old.events.OnLocalCandidate(domain.ICECandidatePayload{Candidate: "stale"})
	h.timers[0].fn()

	if got := h.c.State(); got != domain.StateNegotiating {
		t.Fatalf("stale callbacks mutated live session: %s", got)
	}
	if len(h.sig.candidates) != 0 {
		t.Errorf("stale candidate forwarded: %v", h.sig.candidates)
	}
}

func TestBegin_TearsDownPriorSession(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")
	h.accept(t, "dev-42")

	h.c.Begin("dev-7")
	if h.factory.peers[0].closed != 1 {
		t.Fatal("expected previous peer closed on device switch")
	}
	h.accept(t, "dev-7")
	if h.factory.live() != 1 {
		t.Errorf("expected exactly one live peer, got %d", h.factory.live())
	}
}

func TestOffer_RejectedWhileNegotiating(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")
	h.accept(t, "dev-42")

	err := h.c.OnOfferReceived(offer("dev-42"))
	if !errors.Is(err, domain.ErrUnexpectedOffer) {
		t.Fatalf("expected ErrUnexpectedOffer, got %v", err)
	}
	if len(h.factory.peers) != 1 {
		t.Errorf("a rejected offer must not create a peer")
	}
}

func TestOffer_ForOtherDeviceIgnored(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")

	if err := h.c.OnOfferReceived(offer("dev-7")); !errors.Is(err, domain.ErrUnexpectedOffer) {
		t.Fatalf("expected ErrUnexpectedOffer, got %v", err)
	}
	if h.c.State() != domain.StateAwaitingOffer {
		t.Errorf("expected awaiting-offer, got %s", h.c.State())
	}
}

func TestAnswerError_Fails(t *testing.T) {
	h := newHarness()
	h.factory.answerErr = errors.New("no codecs")
	h.c.Begin("dev-42")

	if err := h.c.OnOfferReceived(offer("dev-42")); err == nil {
		t.Fatal("expected error")
	}
	if h.c.State() != domain.StateFailed {
		t.Errorf("expected failed, got %s", h.c.State())
	}
	if len(h.sig.answers) != 0 {
		t.Error("no answer should be sent on failure")
	}
}

func TestNoFactory_UnsupportedMode(t *testing.T) {
	h := newHarness()
	h.c.cfg.Factory = nil
	h.c.Begin("dev-42")

	err := h.c.OnOfferReceived(offer("dev-42"))
	if !errors.Is(err, domain.ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
	if h.c.State() != domain.StateFailed {
		t.Errorf("expected failed, got %s", h.c.State())
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	h := newHarness()
	h.c.Begin("dev-42")
	h.accept(t, "dev-42")
	h.factory.peers[0].events.OnTrack(mockTrack{id: "v"})

	h.c.Teardown()
	h.c.Teardown()

	if h.factory.peers[0].closed != 1 {
		t.Errorf("expected peer closed once, got %d", h.factory.peers[0].closed)
	}
	if h.release != 1 {
		t.Errorf("expected track released once, got %d", h.release)
	}
	if h.c.Active() {
		t.Error("expected no active session")
	}
}
