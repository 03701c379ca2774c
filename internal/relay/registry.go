// Package relay forwards signaling messages between the single broadcaster
// and the viewers of a device's room.
package relay

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gardencam/live/internal/domain"
)

// Endpoint is one connected party. Send must not block; it reports whether
// the message was queued.
type Endpoint interface {
	ID() string
	Send(msg domain.SignalMessage) bool
	Close()
}

// RoomStats is a read-only view of a room.
type RoomStats struct {
	DeviceID    string `json:"deviceId"`
	Broadcaster bool   `json:"broadcaster"`
	Viewers     int    `json:"viewers"`
}

// room holds the members of one deviceId. All forwarding inside a room
// happens under its lock, which keeps per-sender order.
type room struct {
	deviceID    string
	mu          sync.Mutex
	broadcaster Endpoint
	viewers     map[string]Endpoint
}

func (r *room) empty() bool {
	return r.broadcaster == nil && len(r.viewers) == 0
}

func (r *room) toViewers(msg domain.SignalMessage) int {
	n := 0
	for _, v := range r.viewers {
		if v.Send(msg) {
			n++
		}
	}
	return n
}

// Registry is the relay's room table, keyed by deviceId. Rooms are created
// on first join and removed when their last member leaves.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	maxViewers int
	log        zerolog.Logger
}

// NewRegistry creates an empty table. maxViewers <= 0 means unbounded.
func NewRegistry(maxViewers int) *Registry {
	return &Registry{
		rooms:      make(map[string]*room),
		maxViewers: maxViewers,
		log:        log.With().Str("component", "relay").Logger(),
	}
}

// Join registers ep in deviceID's room. A broadcaster replaces any previous
// one (last write wins) and receives a join for every waiting viewer. A
// viewer join is forwarded to the broadcaster if there is one. Joining again
// with the same viewerId replaces the endpoint instead of adding a second
// registration. It reports whether the join was accepted.
func (reg *Registry) Join(deviceID string, role domain.Role, viewerID string, ep Endpoint) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[deviceID]
	if !ok {
		r = &room{deviceID: deviceID, viewers: make(map[string]Endpoint)}
		reg.rooms[deviceID] = r
		reg.log.Debug().Str("device", deviceID).Msg("room created")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if role == domain.RoleBroadcaster {
		if old := r.broadcaster; old != nil && old != ep {
			reg.log.Info().Str("device", deviceID).Msg("broadcaster replaced")
			r.toViewers(domain.SignalMessage{Type: domain.MessageLeave, DeviceID: deviceID, Role: domain.RoleBroadcaster})
			old.Close()
		}
		r.broadcaster = ep
		for id := range r.viewers {
			ep.Send(domain.SignalMessage{Type: domain.MessageJoin, DeviceID: deviceID, ViewerID: id, Role: domain.RoleViewer})
		}
		reg.log.Info().Str("device", deviceID).Int("viewers", len(r.viewers)).Msg("broadcaster joined")
		return true
	}

	if _, exists := r.viewers[viewerID]; !exists && reg.maxViewers > 0 && len(r.viewers) >= reg.maxViewers {
		reg.log.Warn().Str("device", deviceID).Str("viewer", viewerID).Msg("room full, join ignored")
		if r.empty() {
			delete(reg.rooms, deviceID)
		}
		return false
	}
	r.viewers[viewerID] = ep
	reg.log.Info().Str("device", deviceID).Str("viewer", viewerID).Int("viewers", len(r.viewers)).Msg("viewer joined")

	if r.broadcaster != nil {
		r.broadcaster.Send(domain.SignalMessage{Type: domain.MessageJoin, DeviceID: deviceID, ViewerID: viewerID, Role: domain.RoleViewer})
	}
	return true
}

// RelayOffer forwards a broadcaster offer to msg.ViewerID, or to every
// viewer when it is empty.
func (reg *Registry) RelayOffer(deviceID string, msg domain.SignalMessage) {
	reg.withRoom(deviceID, func(r *room) {
		msg.DeviceID = deviceID
		if msg.ViewerID == "" {
			r.toViewers(msg)
			return
		}
		if v, ok := r.viewers[msg.ViewerID]; ok {
			v.Send(msg)
		}
	})
}

// RelayAnswer forwards a viewer's answer to the broadcaster. Without a
// broadcaster it is a no-op.
func (reg *Registry) RelayAnswer(deviceID, viewerID string, msg domain.SignalMessage) {
	reg.withRoom(deviceID, func(r *room) {
		if r.broadcaster == nil {
			return
		}
		msg.DeviceID = deviceID
		msg.ViewerID = viewerID
		r.broadcaster.Send(msg)
	})
}

// RelayCandidate forwards a candidate to the opposite party. Candidates from
// the broadcaster go to msg.ViewerID (every viewer when empty); candidates
// from a viewer go to the broadcaster stamped with viewerID.
func (reg *Registry) RelayCandidate(deviceID, viewerID string, fromBroadcaster bool, msg domain.SignalMessage) {
	reg.withRoom(deviceID, func(r *room) {
		msg.DeviceID = deviceID
		if fromBroadcaster {
			if msg.ViewerID == "" {
				r.toViewers(msg)
			} else if v, ok := r.viewers[msg.ViewerID]; ok {
				v.Send(msg)
			}
			return
		}
		if r.broadcaster != nil {
			msg.ViewerID = viewerID
			r.broadcaster.Send(msg)
		}
	})
}

// RelayFrame broadcasts a pushed still frame to every viewer and returns how
// many accepted it.
func (reg *Registry) RelayFrame(deviceID string, msg domain.SignalMessage) int {
	n := 0
	reg.withRoom(deviceID, func(r *room) {
		msg.DeviceID = deviceID
		n = r.toViewers(msg)
	})
	return n
}

// Leave removes a viewer and tells the broadcaster.
func (reg *Registry) Leave(deviceID, viewerID string) {
	reg.removeViewer(deviceID, viewerID, nil)
}

// LeaveBroadcaster clears the broadcaster slot if ep still holds it and
// tells every viewer.
func (reg *Registry) LeaveBroadcaster(deviceID string, ep Endpoint) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[deviceID]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcaster != ep {
		return
	}
	r.broadcaster = nil
	r.toViewers(domain.SignalMessage{Type: domain.MessageLeave, DeviceID: deviceID, Role: domain.RoleBroadcaster})
	reg.log.Info().Str("device", deviceID).Msg("broadcaster left")
	reg.dropIfEmpty(r)
}

// Drop removes ep after its transport closed. It only removes registrations
// still owned by ep, so a stale connection cannot evict its replacement.
func (reg *Registry) Drop(deviceID string, role domain.Role, viewerID string, ep Endpoint) {
	if role == domain.RoleBroadcaster {
		reg.LeaveBroadcaster(deviceID, ep)
		return
	}
	reg.removeViewer(deviceID, viewerID, ep)
}

// Stats reports a room's membership.
func (reg *Registry) Stats(deviceID string) (RoomStats, bool) {
	var st RoomStats
	found := false
	reg.withRoom(deviceID, func(r *room) {
		found = true
		st = RoomStats{DeviceID: deviceID, Broadcaster: r.broadcaster != nil, Viewers: len(r.viewers)}
	})
	return st, found
}

// Rooms returns the number of live rooms.
func (reg *Registry) Rooms() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

func (reg *Registry) removeViewer(deviceID, viewerID string, ep Endpoint) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[deviceID]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.viewers[viewerID]
	if !ok || (ep != nil && cur != ep) {
		return
	}
	delete(r.viewers, viewerID)
	reg.log.Info().Str("device", deviceID).Str("viewer", viewerID).Int("viewers", len(r.viewers)).Msg("viewer left")
	if r.broadcaster != nil {
		r.broadcaster.Send(domain.SignalMessage{Type: domain.MessageLeave, DeviceID: deviceID, ViewerID: viewerID, Role: domain.RoleViewer})
	}
	reg.dropIfEmpty(r)
}

// dropIfEmpty must be called with reg.mu and r.mu held.
func (reg *Registry) dropIfEmpty(r *room) {
	if r.empty() {
		delete(reg.rooms, r.deviceID)
		reg.log.Debug().Str("device", r.deviceID).Msg("room deleted")
	}
}

func (reg *Registry) withRoom(deviceID string, fn func(r *room)) {
	reg.mu.RLock()
	r, ok := reg.rooms[deviceID]
	reg.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}
