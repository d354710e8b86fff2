package lookingglass

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Demo tool: any origin may watch.
		return true
	},
}

// wsClient is one WebSocket subscriber to a session.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	session *Session
}

// Message is the WebSocket envelope.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HandleWebSocket upgrades the connection and attaches it to a session. The
// new client receives the session's event history before live events.
func (e *Engine) HandleWebSocket(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, exists := e.GetSession(sessionID)
	if !exists {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		session: session,
	}
	session.registerClient(client)

	go client.writePump()

	// History goes out before the read pump can unregister the client and
	// close its send channel on an immediate disconnect.
	client.sendHistory()
	go client.readPump()
}

func (s *Session) registerClient(client *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
}

func (s *Session) unregisterClient(client *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *Session) broadcast(event Event) {
	data, err := json.Marshal(Message{Type: string(event.Type), Payload: event})
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

func (c *wsClient) sendHistory() {
	c.session.mu.RLock()
	events := make([]Event, len(c.session.Events))
	copy(events, c.session.Events)
	c.session.mu.RUnlock()

	info, _ := json.Marshal(Message{
		Type: "session.info",
		Payload: map[string]any{
			"id":         c.session.ID,
			"flow_id":    c.session.FlowID,
			"flow_type":  c.session.FlowType,
			"created_at": c.session.CreatedAt,
		},
	})
	c.send <- info

	for _, event := range events {
		data, err := json.Marshal(Message{Type: string(event.Type), Payload: event})
		if err != nil {
			continue
		}
		c.send <- data
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.session.unregisterClient(c)
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
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
