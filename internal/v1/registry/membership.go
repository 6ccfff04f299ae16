package registry

import (
	"context"

	"github.com/meshmeet/meshmeet/internal/v1/logging"
	"github.com/meshmeet/meshmeet/internal/v1/metrics"
	"github.com/meshmeet/meshmeet/internal/v1/protocol"
	"go.uber.org/zap"
)

// Join adds a user to a room over the given socket and returns the
// delivery plan: the full member list to the joiner (including the
// joiner themselves; clients filter), userJoined or userRejoined to
// everyone else, and the updated participant count to the whole room.
//
// A join for a (room, user) pair that already exists is a rejoin: the
// prior entry is replaced in-place and its socket forgotten. The old
// socket is not closed here; the transport layer eventually reaps it.
func (g *Registry) Join(roomID RoomID, user UserID, socket SocketID, nickname string) []Send {
	g.mu.Lock()

	r, ok := g.rooms[roomID]
	if !ok {
		r = newRoom(roomID)
		g.rooms[roomID] = r
		metrics.ActiveRooms.Inc()
	}

	rejoin := false
	if prior := r.get(user); prior != nil {
		rejoin = true
		r.remove(user)
	}

	member := &Member{UserID: user, SocketID: socket, Nickname: nickname}
	r.insert(member)

	members := r.snapshot()
	count := r.size()

	g.mu.Unlock()

	g.idxMu.Lock()
	g.index[user] = socket
	g.idxMu.Unlock()

	metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(count))

	event := protocol.EventUserJoined
	if rejoin {
		event = protocol.EventUserRejoined
	}

	ctx := logging.WithRoom(logging.WithUser(context.Background(), string(user)), string(roomID))
	logging.Info(ctx, "user joined room",
		zap.Bool("rejoin", rejoin),
		zap.String("socket", string(socket)),
		zap.Int("members", count),
	)

	joined := protocol.ParticipantInfo{UserID: string(user), SocketID: string(socket), Nickname: nickname}

	sends := make([]Send, 0, 2*len(members)+1)
	sends = append(sends, Send{
		To:      socket,
		Event:   protocol.EventExistingParticipants,
		Payload: toParticipantInfos(members),
	})
	for _, m := range members {
		if m.SocketID == socket {
			continue
		}
		sends = append(sends, Send{To: m.SocketID, Event: event, Payload: joined})
	}
	for _, m := range members {
		sends = append(sends, Send{To: m.SocketID, Event: protocol.EventParticipantCount, Payload: count})
	}
	return sends
}

// Leave removes a (room, user) pair. Unknown pairs are a silent no-op.
//
// The global index entry is removed only when it still points at the
// leaving socket: a user who rejoined under a new socket keeps their
// fresh index entry even if a leave arrives later on the old socket.
func (g *Registry) Leave(roomID RoomID, user UserID, socket SocketID) []Send {
	g.mu.Lock()

	r, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	if r.get(user) == nil {
		g.mu.Unlock()
		return nil
	}

	r.remove(user)

	var remaining []Member
	count := r.size()
	if count == 0 {
		g.destroyRoomLocked(roomID)
	} else {
		remaining = r.snapshot()
		metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(count))
	}

	g.mu.Unlock()

	g.idxMu.Lock()
	if g.index[user] == socket {
		delete(g.index, user)
	}
	g.idxMu.Unlock()

	ctx := logging.WithRoom(logging.WithUser(context.Background(), string(user)), string(roomID))
	logging.Info(ctx, "user left room", zap.Int("members", count))

	return departureSends(remaining, user, count)
}

// Disconnect sweeps every room for members pinned to the given socket,
// equivalent to a Leave for each such (room, user) pair, and clears any
// global index entry mapping to the socket.
func (g *Registry) Disconnect(socket SocketID) []Send {
	g.mu.Lock()

	var sends []Send
	for roomID, r := range g.rooms {
		var evicted []UserID
		for user, el := range r.members {
			if el.Value.(*Member).SocketID == socket {
				evicted = append(evicted, user)
			}
		}
		if len(evicted) == 0 {
			continue
		}

		for _, user := range evicted {
			r.remove(user)
			count := r.size()
			var remaining []Member
			if count == 0 {
				g.destroyRoomLocked(roomID)
			} else {
				remaining = r.snapshot()
				metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(count))
			}
			sends = append(sends, departureSends(remaining, user, count)...)
		}
	}

	g.mu.Unlock()

	g.idxMu.Lock()
	for user, s := range g.index {
		if s == socket {
			delete(g.index, user)
		}
	}
	g.idxMu.Unlock()

	if len(sends) > 0 {
		logging.Info(context.Background(), "socket disconnect swept",
			zap.String("socket", string(socket)),
			zap.Int("deliveries", len(sends)),
		)
	}
	return sends
}

// departureSends builds the userLeft broadcast plus the refreshed count
// for whoever remains in the room.
func departureSends(remaining []Member, user UserID, count int) []Send {
	sends := make([]Send, 0, 2*len(remaining))
	for _, m := range remaining {
		sends = append(sends, Send{
			To:      m.SocketID,
			Event:   protocol.EventUserLeft,
			Payload: protocol.UserLeft{UserID: string(user)},
		})
	}
	for _, m := range remaining {
		sends = append(sends, Send{To: m.SocketID, Event: protocol.EventParticipantCount, Payload: count})
	}
	return sends
}
