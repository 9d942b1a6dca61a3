package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"flowguard/internal/metrics"
	"flowguard/internal/model"
)

// Snapshotter supplies the initial state sent to a newly connected viewer.
type Snapshotter interface {
	Snapshot(limit int) []model.HistoryEntry
	Latest() (model.Reading, bool)
}

// Hub broadcasts events to connected WebSocket viewers.
type Hub struct {
	logger   *slog.Logger
	history  Snapshotter
	initSize int
	buffer   int
	upgrader websocket.Upgrader

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(logger *slog.Logger, history Snapshotter, initSize, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		logger:   logger,
		history:  history,
		initSize: initSize,
		buffer:   buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcast:  make(chan []byte, buffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

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
			metrics.WebSocketClients.Set(0)
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			if h.logger != nil {
				h.logger.Debug("ws client registered", "remote", c.conn.RemoteAddr().String())
			}
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
					if h.logger != nil {
						h.logger.Warn("ws client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
					}
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Emit queues the event for broadcast without blocking.
func (h *Hub) Emit(event string, payload any) error {
	msg, err := Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- msg:
		return nil
	default:
		return ErrDropped
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("ws upgrade failed", "err", err)
		}
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, h.buffer+2)}
	h.greet(c)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// greet queues the recent history and the latest reading ahead of any broadcast.
func (h *Hub) greet(c *client) {
	if h.history == nil {
		return
	}
	if h.initSize > 0 {
		if msg, err := Encode(EventHistoryInit, h.history.Snapshot(h.initSize)); err == nil {
			c.send <- msg
		}
	}
	if latest, ok := h.history.Latest(); ok {
		if msg, err := Encode(EventData, latest); err == nil {
			c.send <- msg
		}
	}
}
