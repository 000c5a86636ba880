package barengine

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"barwatch/internal/model"
)

const (
	clientSendBuffer = 64
	pingInterval     = 30 * time.Second
	streamWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// streamHub pushes notifications to WebSocket clients of /api/v1/stream.
// A slow client misses notifications instead of holding up the others.
// Recent notifications are kept so a client can ask for a backlog on connect.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	recent  *backlog

	// OnDrop is called when a client's buffer is full.
	OnDrop func()
}

// streamClient is one WebSocket peer with an optional kind filter.
type streamClient struct {
	conn  *websocket.Conn
	send  chan []byte
	kinds map[model.NotificationKind]bool
}

func newStreamHub() *streamHub {
	return &streamHub{
		clients: make(map[*streamClient]struct{}),
		recent:  newBacklog(defaultBacklog),
	}
}

// Run forwards notifications from src until ctx is cancelled or src closes.
func (h *streamHub) Run(ctx context.Context, src <-chan model.Notification) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-src:
			if !ok {
				return
			}
			h.broadcast(n)
		}
	}
}

// broadcast holds the write lock so a connecting client sees each
// notification exactly once, either in its backlog or live.
func (h *streamHub) broadcast(n model.Notification) {
	data := n.JSON()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent.push(n.Kind, data)
	for c := range h.clients {
		if !c.wants(n.Kind) {
			continue
		}
		select {
		case c.send <- data:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// ServeHTTP upgrades the request. ?kinds=alert,trade limits what is sent and
// ?backlog=N replays up to N recent matching notifications first.
func (h *streamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[barengine] ws upgrade error: %v", err)
		return
	}

	c := &streamClient{
		conn:  conn,
		send:  make(chan []byte, clientSendBuffer),
		kinds: make(map[model.NotificationKind]bool),
	}
	for _, k := range splitCSV(r.URL.Query().Get("kinds")) {
		c.kinds[model.NotificationKind(k)] = true
	}

	replay, _ := strconv.Atoi(r.URL.Query().Get("backlog"))
	if replay > clientSendBuffer {
		replay = clientSendBuffer
	}

	h.mu.Lock()
	for _, e := range h.recent.last(replay, c.wants) {
		c.send <- e.Data
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[barengine] stream client connected (%d total)", n)

	go c.writePump()
	c.readPump(h)
}

// ClientCount returns the number of connected stream clients.
func (h *streamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *streamHub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *streamHub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *streamClient) wants(k model.NotificationKind) bool {
	return len(c.kinds) == 0 || c.kinds[k]
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump accepts {"kinds":[...]} frames to change the filter and detects
// disconnects.
func (c *streamClient) readPump(h *streamHub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		log.Println("[barengine] stream client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Kinds []model.NotificationKind `json:"kinds"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		kinds := make(map[model.NotificationKind]bool, len(msg.Kinds))
		for _, k := range msg.Kinds {
			kinds[k] = true
		}
		h.mu.Lock()
		c.kinds = kinds
		h.mu.Unlock()
	}
}
