package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gardencam/live/internal/domain"
	"gardencam/live/internal/stream"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Pushed JPEG frames are the
	// largest messages.
	maxMessageSize = 1 << 20

	sendQueueSize = 256
)

// conn is one websocket connection. It speaks for at most one room
// membership at a time; a join into another room leaves the previous one.
type conn struct {
	id       string
	ws       *websocket.Conn
	registry *Registry
	send     chan domain.SignalMessage
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger

	// Membership. Only touched by readPump.
	deviceID string
	role     domain.Role
	viewerID string
}

func newConn(ws *websocket.Conn, registry *Registry, logger zerolog.Logger) *conn {
	id := uuid.NewString()
	return &conn{
		id:       id,
		ws:       ws,
		registry: registry,
		send:     make(chan domain.SignalMessage, sendQueueSize),
		done:     make(chan struct{}),
		log:      logger.With().Str("conn", id).Logger(),
	}
}

func (c *conn) ID() string { return c.id }

// Send queues msg without blocking. A full queue drops the message.
func (c *conn) Send(msg domain.SignalMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("send queue full, message dropped")
		return false
	}
}

// Close stops the write pump, which closes the socket.
func (c *conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// readPump feeds the registry in read order. When it exits the
// connection's membership is dropped.
func (c *conn) readPump() {
	defer func() {
		c.leave()
		c.Close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg domain.SignalMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read")
			}
			return
		}
		c.handle(msg)
	}
}

// writePump is the only writer on the socket.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("write")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *conn) handle(msg domain.SignalMessage) {
	if msg.Type == domain.MessageJoin && msg.Role == "" {
		msg.Role = domain.RoleViewer
	}
	if err := msg.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("invalid message dropped")
		return
	}

	if msg.Type == domain.MessageJoin {
		c.join(msg)
		return
	}

	if c.deviceID == "" || msg.DeviceID != c.deviceID {
		c.log.Debug().Str("type", string(msg.Type)).Str("device", msg.DeviceID).Msg("message for a room not joined, dropped")
		return
	}

	broadcaster := c.role == domain.RoleBroadcaster
	switch msg.Type {
	case domain.MessageOffer:
		if !broadcaster {
			c.log.Warn().Msg("offer from viewer dropped")
			return
		}
		c.registry.RelayOffer(c.deviceID, msg)
	case domain.MessageAnswer:
		if broadcaster {
			c.log.Warn().Msg("answer from broadcaster dropped")
			return
		}
		c.registry.RelayAnswer(c.deviceID, c.viewerID, msg)
	case domain.MessageCandidate:
		c.registry.RelayCandidate(c.deviceID, c.viewerID, broadcaster, msg)
	case domain.MessageFrame:
		if !broadcaster {
			c.log.Warn().Msg("frame from viewer dropped")
			return
		}
		if _, err := stream.DecodeJPEG(msg.Base64JPEG); err != nil {
			c.log.Warn().Err(err).Msg("frame rejected")
			return
		}
		c.registry.RelayFrame(c.deviceID, msg)
	case domain.MessageLeave:
		c.leave()
	}
}

func (c *conn) join(msg domain.SignalMessage) {
	viewerID := msg.ViewerID
	if msg.Role == domain.RoleBroadcaster {
		viewerID = ""
	}
	if c.deviceID != "" && (c.deviceID != msg.DeviceID || c.role != msg.Role || c.viewerID != viewerID) {
		c.leave()
	}
	if !c.registry.Join(msg.DeviceID, msg.Role, viewerID, c) {
		return
	}
	c.deviceID = msg.DeviceID
	c.role = msg.Role
	c.viewerID = viewerID
}

func (c *conn) leave() {
	if c.deviceID == "" {
		return
	}
	c.registry.Drop(c.deviceID, c.role, c.viewerID, c)
	c.deviceID, c.role, c.viewerID = "", "", ""
}
