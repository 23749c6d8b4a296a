package push

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tenantsync/internal/metrics"
)

const (
	hubSendBuffer   = 64
	hubWriteTimeout = 5 * time.Second
)

// Hub fans data_refresh messages out to the websocket clients of a tenant
// room.
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	send chan Message

	mu    sync.Mutex
	rooms map[string]struct{}
}

func (c *hubClient) inRoom(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[tenantID]
	return ok
}

func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		metrics: m,
		clients: map[*hubClient]struct{}{},
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client in msg.TenantID's room. Slow
// clients miss the message.
func (h *Hub) Broadcast(msg Message) {
	if msg.Type == "" {
		msg.Type = TypeDataRefresh
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.inRoom(msg.TenantID) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			h.logger.Debug("push client buffer full, dropping message",
				zap.String("tenant_id", msg.TenantID),
				zap.String("key", msg.Key),
			)
		}
	}
}

// Serve upgrades the request and runs the client until it disconnects.
// canJoin decides which tenant rooms the caller may join.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, canJoin func(tenantID string) bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &hubClient{
		send:  make(chan Message, hubSendBuffer),
		rooms: map[string]struct{}{},
	}
	h.register(client)
	defer h.unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, conn, client)

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		tenantID := strings.TrimSpace(msg.TenantID)
		switch msg.Type {
		case TypeJoin:
			if tenantID == "" || (canJoin != nil && !canJoin(tenantID)) {
				h.reply(client, Message{Type: TypeError, TenantID: tenantID, Message: "room not allowed"})
				continue
			}
			client.mu.Lock()
			client.rooms[tenantID] = struct{}{}
			client.mu.Unlock()
			h.reply(client, Message{Type: TypeJoined, TenantID: tenantID})
		case TypeLeave:
			client.mu.Lock()
			delete(client.rooms, tenantID)
			client.mu.Unlock()
		default:
			h.reply(client, Message{Type: TypeError, Message: "unknown message type"})
		}
	}
}

func (h *Hub) reply(client *hubClient, msg Message) {
	select {
	case client.send <- msg:
	default:
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, client *hubClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				_ = conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func (h *Hub) register(client *hubClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetHubClients(n)
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetHubClients(n)
}
