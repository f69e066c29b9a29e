// Package hub fans store snapshots out to WebSocket clients grouped in rooms.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const ItineraryRoom = "itinerary"

// ExpensesRoom is the room a single identity's ledger pushes to.
func ExpensesRoom(userID string) string {
	return "expenses:" + userID
}

type Client struct {
	Conn   *websocket.Conn
	Send   chan []byte
	Room   string
	UserID string
}

type broadcastMsg struct {
	Room string
	Data []byte
}

// outboundPayload is what every client receives.
type outboundPayload struct {
	Action    string `json:"action"` // "snapshot"
	Room      string `json:"room"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

type Hub struct {
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMsg
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMsg, 64),
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if h.rooms[c.Room] == nil {
				h.rooms[c.Room] = make(map[*Client]bool)
			}
			h.rooms[c.Room][c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if conns := h.rooms[c.Room]; conns != nil && conns[c] {
				delete(conns, c)
				close(c.Send)
				if len(conns) == 0 {
					delete(h.rooms, c.Room)
				}
			}
			h.mu.Unlock()

		case m := <-h.broadcast:
			h.mu.Lock()
			for c := range h.rooms[m.Room] {
				select {
				case c.Send <- m.Data:
				default:
					// slow client, drop it; its writePump closes the conn
					close(c.Send)
					delete(h.rooms[m.Room], c)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for room, conns := range h.rooms {
				for c := range conns {
					close(c.Send)
				}
				delete(h.rooms, room)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and closes every client's Send channel.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Register adds c to its room. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}

// Broadcast sends payload to everyone in room as a snapshot event.
func (h *Hub) Broadcast(room string, payload any) {
	data, err := encode(room, payload)
	if err != nil {
		log.Printf("[Hub] encoding snapshot for %s: %v", room, err)
		return
	}
	select {
	case h.broadcast <- broadcastMsg{Room: room, Data: data}:
	case <-h.stop:
	}
}

// Count reports how many clients are in room.
func (h *Hub) Count(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func encode(room string, payload any) ([]byte, error) {
	return json.Marshal(outboundPayload{
		Action:    "snapshot",
		Room:      room,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}
