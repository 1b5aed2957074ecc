package engine

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"llmctl/internal/logging"
)

// WSHub streams scheduler events to websocket subscribers. It implements
// Listener and can be registered on an Engine directly.
type WSHub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan Event
}

// NewWSHub constructs a hub.
func NewWSHub() *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger("WSHub"),
		conns:  map[*websocket.Conn]chan Event{},
	}
}

// OnRunEvent fans the event out to every subscriber. Slow subscribers drop
// events rather than stalling the scheduler.
func (h *WSHub) OnRunEvent(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.conns {
		select {
		case ch <- e:
		default:
			h.logger.Warn("dropping event for slow subscriber %s", conn.RemoteAddr())
		}
	}
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan Event, 256)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	// Reader goroutine detects peer close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
