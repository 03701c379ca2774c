package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"gardencam/live/internal/domain"
)

type handlerCalls struct {
	ups        []bool
	downs      int
	offers     []domain.SignalMessage
	candidates []domain.SignalMessage
	leaves     []domain.SignalMessage
	frames     []domain.SignalMessage
}

type mockHandler struct {
	mu sync.Mutex
	handlerCalls
}

func (m *mockHandler) OnTransportUp(reconnected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ups = append(m.ups, reconnected)
}

func (m *mockHandler) OnTransportDown(error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downs++
}

func (m *mockHandler) OnOffer(msg domain.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, msg)
}

func (m *mockHandler) OnRemoteICECandidate(msg domain.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, msg)
}

func (m *mockHandler) OnPeerLeft(msg domain.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves = append(m.leaves, msg)
}

func (m *mockHandler) OnFrame(msg domain.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, msg)
}

func (m *mockHandler) snapshot() handlerCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return handlerCalls{
		ups:        append([]bool(nil), m.ups...),
		downs:      m.downs,
		offers:     append([]domain.SignalMessage(nil), m.offers...),
		candidates: append([]domain.SignalMessage(nil), m.candidates...),
		leaves:     append([]domain.SignalMessage(nil), m.leaves...),
		frames:     append([]domain.SignalMessage(nil), m.frames...),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatch(t *testing.T) {
	h := &mockHandler{}
	c := NewClient("ws://unused", h)

	c.dispatch(domain.SignalMessage{Type: domain.MessageOffer, DeviceID: "dev-42", SDP: "v=0"})
	c.dispatch(domain.SignalMessage{Type: domain.MessageCandidate, DeviceID: "dev-42", Candidate: &domain.ICECandidatePayload{Candidate: "c1"}})
	c.dispatch(domain.SignalMessage{Type: domain.MessageLeave, DeviceID: "dev-42", Role: domain.RoleBroadcaster})
	c.dispatch(domain.SignalMessage{Type: domain.MessageFrame, DeviceID: "dev-42", Base64JPEG: "/9j/"})

	// Invalid or viewer-irrelevant messages are dropped.
	c.dispatch(domain.SignalMessage{Type: domain.MessageOffer, DeviceID: "dev-42"})
	c.dispatch(domain.SignalMessage{Type: domain.MessageAnswer, DeviceID: "dev-42", ViewerID: "v1", SDP: "x"})
	c.dispatch(domain.SignalMessage{Type: "bogus", DeviceID: "dev-42"})

	got := h.snapshot()
	if len(got.offers) != 1 || len(got.candidates) != 1 || len(got.leaves) != 1 || len(got.frames) != 1 {
		t.Errorf("unexpected dispatch counts: %+v", got)
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	c := NewClient("ws://unused", &mockHandler{})
	if c.Connected() {
		t.Fatal("expected client to start disconnected")
	}
	// Must not panic or block.
	c.SendJoin("dev-42", "v1")
	c.SendCandidate("dev-42", "v1", domain.ICECandidatePayload{Candidate: "c1"})
}

// The first connection is dropped by the server right away; the client
// must report the loss, redial and report a reconnect.
func TestRun_Reconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	joins := make(chan domain.SignalMessage, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if conns.Add(1) == 1 {
			return
		}
		var msg domain.SignalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		joins <- msg
		ws.WriteJSON(domain.SignalMessage{Type: domain.MessageOffer, DeviceID: msg.DeviceID, SDP: "v=0"})
		ws.ReadJSON(&msg)
	}))
	defer srv.Close()

	h := &mockHandler{}
	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), h)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, func() bool { return len(h.snapshot().ups) == 2 })
	got := h.snapshot()
	if got.ups[0] || !got.ups[1] {
		t.Errorf("expected first up fresh and second reconnected, got %v", got.ups)
	}
	if got.downs != 1 {
		t.Errorf("expected one transport down, got %d", got.downs)
	}

	c.SendJoin("dev-42", "v1")
	select {
	case msg := <-joins:
		if msg.Type != domain.MessageJoin || msg.ViewerID != "v1" || msg.Role != domain.RoleViewer {
			t.Errorf("unexpected join %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("join never reached the server")
	}
	waitFor(t, func() bool { return len(h.snapshot().offers) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean exit, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// A relay that accepts the connection but never reads must not hold up
// the caller; large or excess messages are queued or dropped instead.
func TestSend_StalledRelayDoesNotBlock(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	defer srv.Close()

	h := &mockHandler{}
	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	waitFor(t, func() bool { return c.Connected() })

	start := time.Now()
	c.SendAnswer("dev-42", "v1", strings.Repeat("a", 32<<20))
	for i := 0; i < sendQueueSize+16; i++ {
		c.SendCandidate("dev-42", "v1", domain.ICECandidatePayload{Candidate: "c"})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sends blocked the caller for %s", elapsed)
	}

	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.Connected() {
		t.Error("expected client disconnected after Run returns")
	}
}
