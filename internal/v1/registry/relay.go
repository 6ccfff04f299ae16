package registry

import (
	"context"

	"github.com/meshmeet/meshmeet/internal/v1/logging"
	"github.com/meshmeet/meshmeet/internal/v1/metrics"
	"github.com/meshmeet/meshmeet/internal/v1/protocol"
	"go.uber.org/zap"
)

// RouteSignal resolves the target of a signaling payload through the
// global index and returns a single forward, or nil when the target is
// unknown. The payload itself is never inspected. The sender's room
// presence is checked for logging only; the payload is forwarded
// regardless.
func (g *Registry) RouteSignal(sig protocol.Signal) []Send {
	target, ok := g.Lookup(UserID(sig.To))
	if !ok {
		metrics.SignalForwards.WithLabelValues("unknown_target").Inc()
		logging.Warn(context.Background(), "dropping signal for unknown target",
			zap.String("to", sig.To),
			zap.String("from", sig.From),
		)
		return nil
	}

	if !g.userPresent(UserID(sig.From)) {
		logging.Warn(context.Background(), "signal from user not present in any room",
			zap.String("from", sig.From),
		)
	}

	metrics.SignalForwards.WithLabelValues("forwarded").Inc()
	return []Send{{
		To:      target,
		Event:   protocol.EventSignal,
		Payload: protocol.SignalDelivery{From: sig.From, Signal: sig.Signal},
	}}
}

// RelayChat fans a chat message out to every socket in the room except
// the sender's own.
func (g *Registry) RelayChat(msg protocol.ChatMessage, sender SocketID) []Send {
	if err := msg.Validate(); err != nil {
		logging.Warn(context.Background(), "dropping invalid chat message",
			zap.String("room_id", msg.RoomID),
			zap.Error(err),
		)
		return nil
	}

	g.mu.RLock()
	r, ok := g.rooms[RoomID(msg.RoomID)]
	if !ok {
		g.mu.RUnlock()
		return nil
	}
	members := r.snapshot()
	g.mu.RUnlock()

	payload := protocol.ReceiveMessage{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		SenderNickname: msg.SenderNickname,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
	}

	sends := make([]Send, 0, len(members))
	for _, m := range members {
		if m.SocketID == sender {
			continue
		}
		sends = append(sends, Send{To: m.SocketID, Event: protocol.EventReceiveMessage, Payload: payload})
	}
	return sends
}

func (g *Registry) userPresent(user UserID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.rooms {
		if r.get(user) != nil {
			return true
		}
	}
	return false
}
