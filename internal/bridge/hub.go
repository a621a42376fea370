package bridge

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	subBufferSize = 16
	writeTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// UI clients connect from file:// and LAN origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub is a non-blocking publish-subscribe fan-out of JSON frames to
// WebSocket clients. Subscribers that are slow to consume have frames
// dropped rather than blocking publishers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan []byte)}
}

// Subscribe creates a subscription. Call Unsubscribe when done.
func (h *Hub) Subscribe(id string) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan []byte, subBufferSize)
	h.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish sends a frame to every subscriber, dropping for the slow.
func (h *Hub) Publish(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// SubscriberCount returns the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeWS upgrades the request and pumps published frames to the
// client until it disconnects. Client messages are read and ignored;
// the feed is server-push only.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}
	id := uuid.NewString()
	frames := h.Subscribe(id)
	slog.Info("ws client connected", "id", id, "clients", h.SubscriberCount())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.Unsubscribe(id)
		conn.Close()
		slog.Info("ws client disconnected", "id", id)
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
