// Package signal implements the peer-side signaling socket: a typed
// client for the server's JSON event protocol with automatic reconnect
// and room rejoin. Dial attempts run through a circuit breaker so a
// dead server is probed, not hammered.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meshmeet/meshmeet/internal/v1/protocol"
)

const (
	writeWait = 10 * time.Second

	// Read deadline; pushed out whenever the server's heartbeat arrives.
	readWait = 60 * time.Second

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Handlers receive decoded server events. Nil handlers are skipped.
// Handlers run on the read loop goroutine; they must not block.
type Handlers struct {
	OnExistingParticipants func(participants []protocol.ParticipantInfo)
	OnUserJoined           func(p protocol.ParticipantInfo)
	OnUserRejoined         func(p protocol.ParticipantInfo)
	OnUserLeft             func(userID string)
	OnParticipantCount     func(count int)
	OnSignal               func(from string, signal json.RawMessage)
	OnReceiveMessage       func(msg protocol.ReceiveMessage)

	// OnConnect fires after every successful (re)connect, once joined
	// rooms have been re-issued.
	OnConnect func()
}

// Client is a signaling connection for one user.
type Client struct {
	url      string
	userID   string
	nickname string
	handlers Handlers
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	joined   map[string]struct{}
	socketID string
}

// New creates a signaling client. The user id must stay stable across
// reconnects; the server keys room membership on it.
func New(url, userID, nickname string, handlers Handlers, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:      url,
		userID:   userID,
		nickname: nickname,
		handlers: handlers,
		joined:   make(map[string]struct{}),
		log:      log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "signal-dial",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// UserID returns the client's stable user id.
func (c *Client) UserID() string { return c.userID }

// SocketID returns the server-assigned socket id learned from the last
// existing-participants delivery, or "" before the first join completes.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Run connects and processes events until the context is cancelled.
// Connection loss triggers reconnect with exponential backoff; joined
// rooms are re-issued on every reconnect, which the server treats as a
// rejoin.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("signaling dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		c.mu.Lock()
		c.conn = conn
		rooms := make([]string, 0, len(c.joined))
		for r := range c.joined {
			rooms = append(rooms, r)
		}
		c.mu.Unlock()

		for _, room := range rooms {
			if err := c.send(protocol.EventJoinRoom, protocol.JoinRoom{
				RoomID: room, UserID: c.userID, Nickname: c.nickname,
			}); err != nil {
				c.log.Warn("rejoin failed", zap.String("room_id", room), zap.Error(err))
			}
		}

		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect()
		}

		// Cancellation must unblock the read; closing the connection is
		// the only way to interrupt ReadMessage.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-readDone:
			}
		}()

		err = c.readLoop(ctx, conn)
		close(readDone)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info("signaling connection lost, reconnecting", zap.Error(err))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
		return conn, err
	})
	if err != nil {
		return nil, err
	}
	return res.(*websocket.Conn), nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("dropping undecodable server frame", zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.EventExistingParticipants:
		var participants []protocol.ParticipantInfo
		if err := json.Unmarshal(env.Payload, &participants); err != nil {
			c.log.Warn("malformed existing-participants payload", zap.Error(err))
			return
		}
		// The server may include this client in the list; capture our
		// socket id from the matching entry, tolerating either shape.
		for _, p := range participants {
			if p.UserID == c.userID {
				c.mu.Lock()
				c.socketID = p.SocketID
				c.mu.Unlock()
			}
		}
		if c.handlers.OnExistingParticipants != nil {
			c.handlers.OnExistingParticipants(participants)
		}
	case protocol.EventUserJoined:
		c.participantEvent(env.Payload, c.handlers.OnUserJoined)
	case protocol.EventUserRejoined:
		c.participantEvent(env.Payload, c.handlers.OnUserRejoined)
	case protocol.EventUserLeft:
		var p protocol.UserLeft
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("malformed userLeft payload", zap.Error(err))
			return
		}
		if c.handlers.OnUserLeft != nil {
			c.handlers.OnUserLeft(p.UserID)
		}
	case protocol.EventParticipantCount:
		count, err := strconv.Atoi(string(env.Payload))
		if err != nil {
			c.log.Warn("malformed participant-count payload", zap.Error(err))
			return
		}
		if c.handlers.OnParticipantCount != nil {
			c.handlers.OnParticipantCount(count)
		}
	case protocol.EventSignal:
		var p protocol.SignalDelivery
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("malformed signal payload", zap.Error(err))
			return
		}
		if c.handlers.OnSignal != nil {
			c.handlers.OnSignal(p.From, p.Signal)
		}
	case protocol.EventReceiveMessage:
		var p protocol.ReceiveMessage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("malformed receiveMessage payload", zap.Error(err))
			return
		}
		if c.handlers.OnReceiveMessage != nil {
			c.handlers.OnReceiveMessage(p)
		}
	default:
		c.log.Warn("unknown server event", zap.String("event", env.Type))
	}
}

func (c *Client) participantEvent(payload json.RawMessage, handler func(protocol.ParticipantInfo)) {
	var p protocol.ParticipantInfo
	if err := json.Unmarshal(payload, &p); err != nil {
		c.log.Warn("malformed participant payload", zap.Error(err))
		return
	}
	if handler != nil {
		handler(p)
	}
}

// Join enters a room. Membership is remembered so reconnects rejoin
// automatically.
func (c *Client) Join(roomID string) error {
	c.mu.Lock()
	c.joined[roomID] = struct{}{}
	c.mu.Unlock()
	return c.send(protocol.EventJoinRoom, protocol.JoinRoom{
		RoomID: roomID, UserID: c.userID, Nickname: c.nickname,
	})
}

// Leave exits a room and forgets it for reconnect purposes.
func (c *Client) Leave(roomID string) error {
	c.mu.Lock()
	delete(c.joined, roomID)
	c.mu.Unlock()
	return c.send(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: roomID, UserID: c.userID})
}

// RequestParticipants asks for a room's current member list.
func (c *Client) RequestParticipants(roomID string) error {
	return c.send(protocol.EventRequestParticipants, protocol.RequestParticipants{RoomID: roomID})
}

// SendSignal relays an opaque negotiation payload to another user.
func (c *Client) SendSignal(to string, signal json.RawMessage) error {
	return c.send(protocol.EventSignal, protocol.Signal{To: to, From: c.userID, Signal: signal})
}

// SendChat sends a chat message to a room.
func (c *Client) SendChat(roomID, content string) error {
	return c.send(protocol.EventChatMessage, protocol.ChatMessage{
		RoomID:         roomID,
		ID:             uuid.NewString(),
		SenderID:       c.userID,
		SenderNickname: c.nickname,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
	})
}

func (c *Client) send(event string, payload any) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("signaling socket not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
