package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"chanlink/platform/logger"
)

// Hub fans bus events out to connected WebSocket clients, scoped per
// company. It is the event bus local sink, so delivery happens before the
// async queue consumers run.
type Hub struct {
	mu      sync.RWMutex
	clients map[int]map[string]*client
	log     *logger.Logger
}

type client struct {
	id        string
	companyID int
	conn      *websocket.Conn
}

type frame struct {
	Event     string                 `json:"event"`
	CompanyID int                    `json:"companyId"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[int]map[string]*client),
		log:     log.WithModule("ws-hub"),
	}
}

// Handle upgrades the request and keeps the connection registered until
// the peer goes away. The read loop only watches for close frames.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, companyID int) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.WarnWithFields("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	c := &client{
		id:        uuid.NewString(),
		companyID: companyID,
		conn:      conn,
	}
	h.add(c)
	defer h.remove(c)

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Emit implements eventbus.LocalSink. A client that cannot be written to
// is dropped.
func (h *Hub) Emit(event string, companyID int, data map[string]interface{}) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[companyID]))
	for _, c := range h.clients[companyID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	msg := frame{
		Event:     event,
		CompanyID: companyID,
		Data:      data,
		Timestamp: time.Now(),
	}

	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := wsjson.Write(ctx, c.conn, msg)
		cancel()

		if err != nil {
			h.log.DebugWithFields("Dropping unreachable WebSocket client", map[string]interface{}{
				"client_id": c.id,
				"error":     err.Error(),
			})
			h.remove(c)
			_ = c.conn.Close(websocket.StatusGoingAway, "write failed")
		}
	}
}

func (h *Hub) ClientCount(companyID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[companyID])
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[int]map[string]*client)
	h.mu.Unlock()

	for _, group := range clients {
		for _, c := range group {
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.companyID] == nil {
		h.clients[c.companyID] = make(map[string]*client)
	}
	h.clients[c.companyID][c.id] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if group, ok := h.clients[c.companyID]; ok {
		delete(group, c.id)
		if len(group) == 0 {
			delete(h.clients, c.companyID)
		}
	}
}
