package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event types pushed to overlay clients.
const (
	EventPollStart     = "poll_start"
	EventPollUpdate    = "poll_update"
	EventPollEnd       = "poll_end"
	EventPollCancelled = "poll_cancelled"
)

// PollEvent is a real-time poll update sent to connected clients.
type PollEvent struct {
	Type            string            `json:"type"`
	PollID          string            `json:"poll_id"`
	Title           string            `json:"title,omitempty"`
	Options         []string          `json:"options,omitempty"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	EndsAt          *time.Time        `json:"ends_at,omitempty"`
	Results         *domain.Aggregate `json:"results,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

type message struct {
	pollID string
	data   []byte
}

// Hub manages WebSocket connections and fans poll events out to them.
// Clients connecting with ?poll=<id> only receive that poll's events.
type Hub struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
	now        func() time.Time
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	pollID string
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "poll_id", c.pollID, "total_clients", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "total_clients", total)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.pollID != "" && c.pollID != msg.pollID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// slow client
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for every interested client. It never blocks.
func (h *Hub) Broadcast(event PollEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "error", err)
		return
	}

	select {
	case h.broadcast <- message{pollID: event.PollID, data: data}:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping event", "poll_id", event.PollID, "type", event.Type)
	}
}

func (h *Hub) EmitStart(poll *domain.PollInstance) {
	endsAt := poll.EndsAt()
	h.Broadcast(PollEvent{
		Type:            EventPollStart,
		PollID:          poll.ID,
		Title:           poll.Title,
		Options:         poll.Options,
		DurationSeconds: poll.DurationSeconds,
		EndsAt:          &endsAt,
	})
}

func (h *Hub) EmitUpdate(poll *domain.PollInstance, agg domain.Aggregate) {
	h.Broadcast(PollEvent{Type: EventPollUpdate, PollID: poll.ID, Results: &agg})
}

func (h *Hub) EmitEnd(poll *domain.PollInstance, agg domain.Aggregate) {
	h.Broadcast(PollEvent{Type: EventPollEnd, PollID: poll.ID, Title: poll.Title, Options: poll.Options, Results: &agg})
}

func (h *Hub) EmitCancelled(poll *domain.PollInstance) {
	h.Broadcast(PollEvent{Type: EventPollCancelled, PollID: poll.ID})
}

// HandleWebSocket upgrades HTTP connections to WebSocket and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		pollID: r.URL.Query().Get("poll"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so control frames are processed, and
// unregisters the client once it goes away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
