// Package protocol defines the JSON wire contract between peers and the
// signaling service. Messages are a {"type", "payload"} envelope; the
// payload of a "signal" event is opaque to the server and relayed
// byte-identical.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server event names.
const (
	EventJoinRoom            = "join-room"
	EventLeaveRoom           = "leave-room"
	EventRequestParticipants = "request-participants"
	EventSignal              = "signal"
	EventChatMessage         = "chat-message"
)

// Server -> client event names.
const (
	EventExistingParticipants = "existing-participants"
	EventUserJoined           = "userJoined"
	EventUserRejoined         = "userRejoined"
	EventUserLeft             = "userLeft"
	EventParticipantCount     = "participant-count"
	EventReceiveMessage       = "receiveMessage"
)

// Envelope is the outer message frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a serialized envelope for an event and payload.
func Encode(eventType string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: payloadBytes})
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// JoinRoom requests membership in a room.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

// LeaveRoom requests removal from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// RequestParticipants asks for the current member list of a room.
type RequestParticipants struct {
	RoomID string `json:"roomId"`
}

// Signal carries an opaque negotiation payload between two users.
type Signal struct {
	To     string          `json:"to"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// ChatMessage is a room-scoped chat message.
type ChatMessage struct {
	RoomID         string `json:"roomId"`
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	SenderNickname string `json:"senderNickname"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}

// Validate ensures chat messages are safe to relay.
func (m ChatMessage) Validate() error {
	if m.Content == "" {
		return fmt.Errorf("chat content cannot be empty")
	}
	if len(m.Content) > 1000 {
		return fmt.Errorf("chat content cannot exceed 1000 characters")
	}
	if m.SenderID == "" {
		return fmt.Errorf("sender ID cannot be empty")
	}
	return nil
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ParticipantInfo describes one room member.
type ParticipantInfo struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
	Nickname string `json:"nickname"`
}

// SignalDelivery is the relayed form of a Signal, addressed by socket.
type SignalDelivery struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// UserLeft announces a departed member.
type UserLeft struct {
	UserID string `json:"userId"`
}

// ReceiveMessage is the fan-out form of a ChatMessage.
type ReceiveMessage struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	SenderNickname string `json:"senderNickname"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}

// ============================================================================
// Inbound decoding
// ============================================================================

// Inbound is the tagged variant a raw client frame decodes into. The
// interior of the server only ever sees these types, never raw payload
// shapes.
type Inbound interface {
	isInbound()
}

func (JoinRoom) isInbound()            {}
func (LeaveRoom) isInbound()           {}
func (RequestParticipants) isInbound() {}
func (Signal) isInbound()              {}
func (ChatMessage) isInbound()         {}

// UnknownEventError reports a frame with an unrecognized event name.
type UnknownEventError struct {
	EventType string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.EventType)
}

// Decode parses a raw client frame into its tagged variant.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch env.Type {
	case EventJoinRoom:
		var p JoinRoom
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case EventLeaveRoom:
		var p LeaveRoom
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case EventRequestParticipants:
		var p RequestParticipants
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case EventSignal:
		var p Signal
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	case EventChatMessage:
		var p ChatMessage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		return p, nil
	default:
		return nil, &UnknownEventError{EventType: env.Type}
	}
}
