// Package registry is the authoritative, process-local room membership
// state machine. All mutations are serialized; operations return typed
// delivery plans so the transport layer can perform the actual socket
// writes without holding any registry lock.
package registry

import (
	"container/list"
	"sync"

	"github.com/meshmeet/meshmeet/internal/v1/metrics"
	"github.com/meshmeet/meshmeet/internal/v1/protocol"
)

// UserID is an opaque client-generated identifier, stable across
// reconnects of the same client.
type UserID string

// SocketID is a server-assigned identifier for one transport session.
// It changes on every reconnect.
type SocketID string

// RoomID is an opaque room identifier.
type RoomID string

// Member is one user's presence in a room.
type Member struct {
	UserID   UserID
	SocketID SocketID
	Nickname string
}

// Send is one planned delivery: a typed payload addressed to a socket.
type Send struct {
	To      SocketID
	Event   string
	Payload any
}

// room keeps members keyed by user id in insertion order.
type room struct {
	id      RoomID
	members map[UserID]*list.Element // element value is *Member
	order   *list.List
}

func newRoom(id RoomID) *room {
	return &room{
		id:      id,
		members: make(map[UserID]*list.Element),
		order:   list.New(),
	}
}

func (r *room) insert(m *Member) {
	r.members[m.UserID] = r.order.PushBack(m)
}

func (r *room) remove(user UserID) *Member {
	el, ok := r.members[user]
	if !ok {
		return nil
	}
	delete(r.members, user)
	return r.order.Remove(el).(*Member)
}

func (r *room) get(user UserID) *Member {
	el, ok := r.members[user]
	if !ok {
		return nil
	}
	return el.Value.(*Member)
}

func (r *room) size() int {
	return r.order.Len()
}

// snapshot returns the members in insertion order.
func (r *room) snapshot() []Member {
	out := make([]Member, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Member))
	}
	return out
}

// Registry maps rooms to their members plus a global user -> socket
// index used only to route signaling payloads.
type Registry struct {
	mu    sync.RWMutex
	rooms map[RoomID]*room

	idxMu sync.RWMutex
	index map[UserID]SocketID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		rooms: make(map[RoomID]*room),
		index: make(map[UserID]SocketID),
	}
}

// Members returns the current member list of a room, or an empty slice
// if the room does not exist.
func (g *Registry) Members(roomID RoomID) []protocol.ParticipantInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return []protocol.ParticipantInfo{}
	}
	return toParticipantInfos(r.snapshot())
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Lookup resolves a user to its routing socket via the global index.
func (g *Registry) Lookup(user UserID) (SocketID, bool) {
	g.idxMu.RLock()
	defer g.idxMu.RUnlock()
	s, ok := g.index[user]
	return s, ok
}

// RoomSummary is the read model served by the HTTP API.
type RoomSummary struct {
	RoomID           RoomID              `json:"roomId"`
	ParticipantCount int                 `json:"participantCount"`
	Participants     []SummaryMember     `json:"participants"`
}

// SummaryMember is the public shape of a member in API responses.
type SummaryMember struct {
	UserID   UserID `json:"userId"`
	Nickname string `json:"nickname"`
}

// Snapshot returns summaries of all live rooms.
func (g *Registry) Snapshot() []RoomSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]RoomSummary, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, summarize(r))
	}
	return out
}

// SnapshotRoom returns one room's summary, or false if it does not exist.
func (g *Registry) SnapshotRoom(roomID RoomID) (RoomSummary, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return RoomSummary{}, false
	}
	return summarize(r), true
}

func summarize(r *room) RoomSummary {
	members := r.snapshot()
	s := RoomSummary{
		RoomID:           r.id,
		ParticipantCount: len(members),
		Participants:     make([]SummaryMember, 0, len(members)),
	}
	for _, m := range members {
		s.Participants = append(s.Participants, SummaryMember{UserID: m.UserID, Nickname: m.Nickname})
	}
	return s
}

func toParticipantInfos(members []Member) []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(members))
	for _, m := range members {
		out = append(out, protocol.ParticipantInfo{
			UserID:   string(m.UserID),
			SocketID: string(m.SocketID),
			Nickname: m.Nickname,
		})
	}
	return out
}

// destroyRoomLocked removes an empty room. Caller holds g.mu.
func (g *Registry) destroyRoomLocked(roomID RoomID) {
	delete(g.rooms, roomID)
	metrics.ActiveRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(string(roomID))
}
