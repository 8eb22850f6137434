package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotside-studios/nfc-readloop/buildinfo"
	"github.com/dotside-studios/nfc-readloop/protocol"
	"github.com/dotside-studios/nfc-readloop/readloop"
)

// client is one WebSocket connection. Messages are queued on send and
// written by the client's own writer goroutine.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub tracks connected clients and fans messages out to them.
type hub struct {
	logger  *log.Logger
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(logger *log.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// unregister removes c and closes its queue. It is safe to call twice.
func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues msg for every client. A client whose queue is full is
// disconnected instead of slowing down the others.
func (h *hub) broadcast(msg protocol.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("WebSocket encode error: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Printf("WebSocket client too slow, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// handleWebSocket upgrades the connection, sends the hello message with
// the current status and history, and then streams feed messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Printf("WebSocket connection rejected: invalid API secret")
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}

	hello, err := json.Marshal(newMessage(protocol.WSTypeHello, protocol.HelloPayload{
		Name:    buildinfo.Name,
		Version: buildinfo.Version,
		Status:  s.config.Controller.Status().Payload(),
		History: readloop.Entries(s.config.Controller.History()),
	}))
	if err != nil {
		s.logger.Printf("WebSocket encode error: %v", err)
		conn.Close()
		return
	}

	c := &client{conn: conn, send: make(chan []byte, wsSendBuffer)}
	// queued before register so hello is always the first message
	c.send <- hello
	s.hub.register(c)
	s.logger.Printf("WebSocket client connected: %s", conn.RemoteAddr())

	go s.writePump(c)
	s.readPump(c)
}

// readPump discards client messages and detects the connection closing.
func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.unregister(c)
		c.conn.Close()
		s.logger.Printf("WebSocket client disconnected: %s", c.conn.RemoteAddr())
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("WebSocket read error: %v", err)
			}
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings. It returns when the queue is closed.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Printf("WebSocket write error: %v", err)
				s.hub.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.unregister(c)
				return
			}
		}
	}
}
