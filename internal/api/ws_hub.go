// WebSocket hub for real-time protocol events.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stablevault/cdp-engine/internal/metrics"
	"github.com/stablevault/cdp-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type  string      `json:"type"`
	Event model.Event `json:"event"`
}

// WSHub fans committed protocol events out to WebSocket subscribers. Run
// owns the subscriber set; handlers only talk to it over channels.
type WSHub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]struct{}
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

// NewWSHub creates a hub with a 256-message broadcast buffer.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then closes every subscriber.
// Connections arriving after that are closed on arrival.
func (h *WSHub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			slog.Debug("ws subscriber joined", "remote", conn.RemoteAddr().String(), "total", h.observe())
		case conn := <-h.unregister:
			h.drop(conn)
			h.observe()
		case msg := <-h.broadcast:
			h.send(msg)
			h.observe()
		}
	}
}

func (h *WSHub) send(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	for conn := range h.clients {
		conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *WSHub) shutdown() {
	close(h.done)
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	clear(h.clients)
	h.mu.Unlock()
	h.observe()
}

// observe publishes the subscriber count and returns it.
func (h *WSHub) observe() int {
	n := h.Clients()
	metrics.WebSocketClients.Set(float64(n))
	return n
}

// Publish queues a committed event for broadcast without blocking the
// caller; the event is dropped when the buffer is full.
func (h *WSHub) Publish(e model.Event) {
	data, err := json.Marshal(WSMessage{Type: string(e.Kind), Event: e})
	if err != nil {
		slog.Error("ws encode failed", "event", e.ID, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("ws broadcast dropped", "event", e.ID, "kind", e.Kind)
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait / 2
)

// eventUpgrader accepts any origin; the event stream is read-only.
var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades GET /api/v1/ws and subscribes the connection to the
// event stream. Client messages are discarded.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	go h.drain(conn)
	go h.keepAlive(conn)
}

// drain reads until the peer goes away, then unregisters conn.
func (h *WSHub) drain(conn *websocket.Conn) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// keepAlive pings conn while it stays registered.
func (h *WSHub) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		h.mu.RLock()
		_, registered := h.clients[conn]
		h.mu.RUnlock()
		if !registered {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}
