package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a booking lifecycle notification pushed to the client and
// therapist of an appointment.
type Event struct {
	Type          string `json:"type"`
	AppointmentID uint   `json:"appointment_id"`
	Status        string `json:"status"`
	ActorRole     string `json:"actor_role"`
}

type connection struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uint
}

// Hub fans booking events out to every open socket of a user.
type Hub struct {
	mu          sync.Mutex
	connections map[uint][]*connection
	register    chan *connection
	unregister  chan *connection
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[uint][]*connection),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.connections[c.userID] = append(h.connections[c.userID], c)
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			conns := h.connections[c.userID]
			for i, existing := range conns {
				if existing == c {
					h.connections[c.userID] = append(conns[:i], conns[i+1:]...)
					close(c.send)
					break
				}
			}
			if len(h.connections[c.userID]) == 0 {
				delete(h.connections, c.userID)
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastEvent delivers ev to every open connection of each user.
func (h *Hub) BroadcastEvent(userIDs []uint, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("error marshaling ws event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, userID := range userIDs {
		for _, c := range h.connections[userID] {
			select {
			case c.send <- payload:
			default:
				// Slow consumer; drop the event rather than block the hub.
			}
		}
	}
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *connection) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		// The feed is one-way; reads only service control frames and
		// detect the peer going away.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws read error: %v", err)
			}
			return
		}
	}
}
