package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshmeet/meshmeet/internal/v1/logging"
	"github.com/meshmeet/meshmeet/internal/v1/metrics"
	"github.com/meshmeet/meshmeet/internal/v1/protocol"
	"github.com/meshmeet/meshmeet/internal/v1/registry"
)

const (
	writeWait = 10 * time.Second

	// Inbound frames above this size are rejected by the read pump.
	maxMessageSize = 64 * 1024

	sendBufferSize = 64
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client represents a single transport session. The socket id is
// assigned here and lives exactly as long as the connection.
type Client struct {
	SocketID registry.SocketID

	conn wsConnection
	hub  *Hub

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

func newClient(socketID registry.SocketID, conn wsConnection, hub *Hub) *Client {
	return &Client{
		SocketID: socketID,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufferSize),
	}
}

// Send marshals an event envelope and queues it for delivery. A full
// send buffer drops the frame with a log entry rather than blocking the
// caller.
func (c *Client) Send(event string, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("skipping send to closed socket", zap.String("socket_id", string(c.SocketID)))
		return
	}
	c.mu.RUnlock()

	data, err := protocol.Encode(event, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode outbound event",
			zap.String("event", event), zap.Error(err))
		return
	}

	// Safety net: the send channel may be closed concurrently by Disconnect.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "recovered from send on closed socket",
				zap.String("socket_id", string(c.SocketID)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "socket send buffer full, dropping frame",
			zap.String("socket_id", string(c.SocketID)), zap.String("event", event))
	}
}

// Disconnect closes the send channel exactly once, which drains the
// write pump and closes the underlying connection.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump consumes inbound frames until the connection errors, then
// triggers the hub's disconnect sweep. Heartbeat: the read deadline is
// pushed out on every pong; a silent peer times out and is reaped.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.dispatch(c, data)
	}
}

// writePump writes queued frames and periodic pings. Closing the send
// channel makes it emit a close frame and tear the connection down.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing message",
					zap.String("socket_id", string(c.SocketID)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
