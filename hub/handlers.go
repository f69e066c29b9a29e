package hub

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"tripsync/expenses"
	"tripsync/itinerary"
	"tripsync/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// GET /ws/itinerary
func ItineraryWebSocket(h *Hub, s *itinerary.Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		serve(h, w, r, ItineraryRoom, "", s.Snapshot())
	}
}

// GET /ws/expenses?token=...
// Browsers cannot set headers on a WebSocket upgrade, so the session token
// travels in the query string.
func ExpensesWebSocket(h *Hub, resolve expenses.Resolver, secret []byte) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id, err := session.ParseToken(r.URL.Query().Get("token"), secret)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		ledger, err := resolve(ctx, id.UserID, id.Anonymous)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		serve(h, w, r, ExpensesRoom(id.UserID), id.UserID, ledger.Snapshot())
	}
}

func serve(h *Hub, w http.ResponseWriter, r *http.Request, room, userID string, initial any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("[Hub] upgrade:", err)
		return
	}
	client := &Client{
		Conn:   conn,
		Send:   make(chan []byte, 256),
		Room:   room,
		UserID: userID,
	}

	// current state first, so a client never waits for the next change
	if data, err := encode(room, initial); err == nil {
		client.Send <- data
	}
	if !h.Register(client) {
		conn.Close()
		return
	}
	go writePump(client)
	go readPump(client, h)
}

func writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the peer going away; clients send intents over HTTP.
func readPump(c *Client, h *Hub) {
	defer func() {
		h.Unregister(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Hub] %s: %v", c.Room, err)
			}
			return
		}
	}
}
