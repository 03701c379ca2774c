// Package signal is the viewer's connection to the signaling relay.
package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gardencam/live/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

// Client keeps a websocket to the relay open, redialing with exponential
// backoff after it drops. It implements domain.Signaler. Sends never block:
// they are queued for the connection's writer and dropped while
// disconnected or when the queue is full.
type Client struct {
	url     string
	handler domain.Handler
	dialer  *websocket.Dialer

	newBackOff func() backoff.BackOff

	mu  sync.Mutex
	out chan domain.SignalMessage // nil while disconnected

	log zerolog.Logger
}

// NewClient creates a client for the relay at serverURL.
func NewClient(serverURL string, handler domain.Handler) *Client {
	return &Client{
		url:     serverURL,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // keep trying
			return b
		},
		log: log.With().Str("component", "signal").Logger(),
	}
}

// Run connects and serves until ctx is cancelled. The handler sees
// OnTransportUp after every successful dial, with reconnected set on all
// but the first, and OnTransportDown whenever an established connection
// is lost.
func (c *Client) Run(ctx context.Context) error {
	reconnected := false
	for {
		var conn *websocket.Conn
		dial := func() error {
			ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
			if err != nil {
				return fmt.Errorf("websocket dial: %w", err)
			}
			conn = ws
			return nil
		}
		notify := func(err error, next time.Duration) {
			c.log.Warn().Err(err).Dur("retry_in", next).Msg("relay unreachable")
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.log.Info().Str("url", c.url).Bool("reconnected", reconnected).Msg("connected to relay")
		// Each connection gets a fresh queue so nothing queued for a dead
		// socket is replayed on the next one.
		out := make(chan domain.SignalMessage, sendQueueSize)
		c.setOut(out)
		c.handler.OnTransportUp(reconnected)
		reconnected = true

		err := c.serve(ctx, conn, out)
		c.setOut(nil)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn().Err(err).Msg("relay connection lost")
		c.handler.OnTransportDown(err)
	}
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

func (c *Client) setOut(out chan domain.SignalMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = out
}

// serve reads until the connection fails or ctx is cancelled. The writer
// goroutine is the only one writing to conn.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, out <-chan domain.SignalMessage) error {
	stop := make(chan struct{})
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump(ctx, conn, out, stop)
	}()
	defer func() {
		conn.Close()
		close(stop)
		<-written
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.dispatch(msg)
	}
}

// writePump drains out and keeps the connection alive with pings. A write
// error closes conn, which ends the read loop.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, out <-chan domain.SignalMessage, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		case msg := <-out:
			c.log.Trace().Str("type", string(msg.Type)).Str("device", msg.DeviceID).Msg(">>>")
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("write")
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(msg domain.SignalMessage) {
	if err := msg.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("invalid message dropped")
		return
	}
	c.log.Trace().Str("type", string(msg.Type)).Str("device", msg.DeviceID).Msg("<<<")

	switch msg.Type {
	case domain.MessageOffer:
		c.handler.OnOffer(msg)
	case domain.MessageCandidate:
		c.handler.OnRemoteICECandidate(msg)
	case domain.MessageLeave:
		c.handler.OnPeerLeft(msg)
	case domain.MessageFrame:
		c.handler.OnFrame(msg)
	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("unhandled message")
	}
}

// send queues msg for the current connection without blocking.
func (c *Client) send(msg domain.SignalMessage) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	if out == nil {
		c.log.Debug().Str("type", string(msg.Type)).Msg("not connected, message dropped")
		return
	}
	select {
	case out <- msg:
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("send queue full, message dropped")
	}
}

// SendJoin joins deviceID's room as a viewer.
func (c *Client) SendJoin(deviceID, viewerID string) {
	c.send(domain.SignalMessage{Type: domain.MessageJoin, DeviceID: deviceID, ViewerID: viewerID, Role: domain.RoleViewer})
}

// SendAnswer sends the local SDP answer to the broadcaster.
func (c *Client) SendAnswer(deviceID, viewerID, sdp string) {
	c.send(domain.SignalMessage{Type: domain.MessageAnswer, DeviceID: deviceID, ViewerID: viewerID, SDP: sdp})
}

// SendCandidate trickles a local ICE candidate.
func (c *Client) SendCandidate(deviceID, viewerID string, candidate domain.ICECandidatePayload) {
	c.send(domain.SignalMessage{Type: domain.MessageCandidate, DeviceID: deviceID, ViewerID: viewerID, Candidate: &candidate})
}

// SendLeave leaves deviceID's room.
func (c *Client) SendLeave(deviceID, viewerID string) {
	c.send(domain.SignalMessage{Type: domain.MessageLeave, DeviceID: deviceID, ViewerID: viewerID, Role: domain.RoleViewer})
}
