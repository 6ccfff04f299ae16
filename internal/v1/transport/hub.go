// Package transport owns the WebSocket edge: upgrading connections,
// assigning socket ids, pumping frames, and dispatching decoded events
// into the registry. Delivery plans returned by the registry are
// executed here, after every registry lock has been released.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshmeet/meshmeet/internal/v1/config"
	"github.com/meshmeet/meshmeet/internal/v1/logging"
	"github.com/meshmeet/meshmeet/internal/v1/metrics"
	"github.com/meshmeet/meshmeet/internal/v1/protocol"
	"github.com/meshmeet/meshmeet/internal/v1/ratelimit"
	"github.com/meshmeet/meshmeet/internal/v1/registry"
)

// Hub is the central coordinator between transport sessions and the
// room registry.
type Hub struct {
	reg *registry.Registry

	mu      sync.RWMutex
	clients map[registry.SocketID]*Client

	upgrader    websocket.Upgrader
	rateLimiter *ratelimit.RateLimiter

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewHub creates a Hub wired to the given registry.
func NewHub(reg *registry.Registry, cfg *config.Config, rl *ratelimit.RateLimiter) *Hub {
	allowed := cfg.AllowedOriginList([]string{"http://localhost:3000"})
	devMode := cfg.DevelopmentMode

	return &Hub{
		reg:          reg,
		clients:      make(map[registry.SocketID]*Client),
		rateLimiter:  rl,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, allowed, devMode)
			},
		},
	}
}

func originAllowed(r *http.Request, allowed []string, devMode bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (the headless peer) send no Origin.
		return true
	}
	if devMode {
		return true
	}
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}

// ServeWs upgrades an HTTP request to a WebSocket session and starts
// its pumps. Each session gets a fresh server-assigned socket id.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	correlationID := c.GetHeader("X-Correlation-ID")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx := logging.WithCorrelation(c.Request.Context(), correlationID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.HandleConnection(conn)
	logging.Info(logging.WithSocket(ctx, string(client.SocketID)), "websocket session established")
}

// HandleConnection registers an established connection and starts its
// read and write pumps.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	socketID := registry.SocketID(uuid.NewString())
	client := newClient(socketID, conn, h)

	h.mu.Lock()
	h.clients[socketID] = client
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Info(logging.WithSocket(context.Background(), string(socketID)), "socket connected")

	go client.writePump()
	go client.readPump()

	return client
}

// dispatch decodes one inbound frame and applies it to the registry.
// Malformed or unknown frames are logged and dropped, never fatal.
func (h *Hub) dispatch(c *Client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("unknown", "dropped").Inc()
		logging.Warn(context.Background(), "dropping undecodable frame",
			zap.String("socket_id", string(c.SocketID)), zap.Error(err))
		return
	}

	var event string
	var plan []registry.Send

	start := time.Now()
	switch p := msg.(type) {
	case protocol.JoinRoom:
		event = protocol.EventJoinRoom
		plan = h.reg.Join(registry.RoomID(p.RoomID), registry.UserID(p.UserID), c.SocketID, p.Nickname)
	case protocol.LeaveRoom:
		event = protocol.EventLeaveRoom
		plan = h.reg.Leave(registry.RoomID(p.RoomID), registry.UserID(p.UserID), c.SocketID)
	case protocol.RequestParticipants:
		event = protocol.EventRequestParticipants
		plan = []registry.Send{{
			To:      c.SocketID,
			Event:   protocol.EventExistingParticipants,
			Payload: h.reg.Members(registry.RoomID(p.RoomID)),
		}}
	case protocol.Signal:
		event = protocol.EventSignal
		plan = h.reg.RouteSignal(p)
	case protocol.ChatMessage:
		event = protocol.EventChatMessage
		plan = h.reg.RelayChat(p, c.SocketID)
	default:
		metrics.WebsocketEvents.WithLabelValues("unknown", "dropped").Inc()
		return
	}

	h.deliver(plan)

	metrics.WebsocketEvents.WithLabelValues(event, "ok").Inc()
	metrics.DispatchDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
}

// deliver executes a registry delivery plan. Sockets that vanished
// between planning and delivery are skipped silently; their disconnect
// sweep handles the bookkeeping.
func (h *Hub) deliver(plan []registry.Send) {
	if len(plan) == 0 {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(plan))
	for _, s := range plan {
		targets = append(targets, h.clients[s.To])
	}
	h.mu.RUnlock()

	for i, s := range plan {
		if targets[i] == nil {
			continue
		}
		targets[i].Send(s.Event, s.Payload)
	}
}

// handleDisconnect runs the registry sweep for a dead socket and
// unregisters it.
func (h *Hub) handleDisconnect(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.SocketID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.SocketID)
	h.mu.Unlock()

	plan := h.reg.Disconnect(c.SocketID)
	h.deliver(plan)

	c.Disconnect()
	logging.Info(logging.WithSocket(context.Background(), string(c.SocketID)), "socket disconnected")
}

// ConnectionCount returns the number of live transport sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown gracefully closes all active connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[registry.SocketID]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}

	logging.Info(ctx, "all sockets closed", zap.Int("count", len(clients)))
	return nil
}
