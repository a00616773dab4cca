package eventapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected websocket subscriber: a conn, a send buffer and
// its current Subscription.
//
// Grounded on the teacher's api.WebSocketClient, trimmed to a single VM's
// event stream (no per-client SessionID routing — there is only one
// session, the Publisher's VM).
type client struct {
	conn *websocket.Conn
	send chan Event

	mu  sync.Mutex
	sub *Subscription

	broadcaster *Broadcaster
}

// subscribeRequest is the JSON message a client sends to select which
// event types it wants to receive.
type subscribeRequest struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		c.cleanup()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("eventapi: websocket error: %v", err)
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Printf("eventapi: malformed subscribe request: %v", err)
			continue
		}
		if req.Type == "subscribe" {
			c.handleSubscribe(req)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleSubscribe(req subscribeRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		c.broadcaster.Unsubscribe(c.sub)
	}

	types := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		types = append(types, EventType(e))
	}
	c.sub = c.broadcaster.Subscribe(types)
	go c.forward(c.sub)
}

func (c *client) forward(sub *Subscription) {
	for event := range sub.Channel {
		select {
		case c.send <- event:
		default:
		}
	}
}

func (c *client) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.broadcaster.Unsubscribe(c.sub)
		c.sub = nil
	}
}
