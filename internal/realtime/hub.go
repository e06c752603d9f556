// Package realtime pushes recording state to attached UI surfaces over
// WebSocket and takes their commands.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/websocket/v2"

	"screenrec/internal/catalog"
	"screenrec/internal/coordinator"
	"screenrec/internal/grant"
)

// Outbound message types.
const (
	TypeControls       = "controls"
	TypeCatalog        = "catalog"
	TypeNotification   = "notification"
	TypeGrantPrompt    = "grant_prompt"
	TypeGrantWithdrawn = "grant_withdrawn"
	TypeError          = "error"
)

// Message is the envelope for everything sent over a UI socket.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Notification struct {
	Kind    string `json:"kind"`
	StopURL string `json:"stop_url,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Client is one attached UI surface.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn, send: make(chan []byte, 256)}
}

// enqueue queues data without blocking. It reports false if the client is
// gone or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub tracks attached clients and fans messages out to them. It is the
// coordinator's View and Notifier and the grant broker's Announcer.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			client.close()
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket: client registered (%d attached)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket: client unregistered (%d attached)", count)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.enqueue(message) {
					log.Printf("WebSocket: dropping slow client")
					client.close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of attached surfaces.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) publish(msgType string, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		log.Printf("WebSocket: failed to encode %s message: %v", msgType, err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

func (h *Hub) Render(c coordinator.Controls) {
	h.publish(TypeControls, c)
}

func (h *Hub) ShowCatalog(recordings []catalog.Recording) {
	h.publish(TypeCatalog, recordings)
}

func (h *Hub) Recording(stopURL string) {
	h.publish(TypeNotification, Notification{Kind: "recording", StopURL: stopURL})
}

func (h *Hub) Saved(path string) {
	h.publish(TypeNotification, Notification{Kind: "saved", Path: path})
}

func (h *Hub) AnnounceGrantPrompt(p grant.Prompt) {
	h.publish(TypeGrantPrompt, p)
}

func (h *Hub) WithdrawGrantPrompt(id string) {
	h.publish(TypeGrantWithdrawn, map[string]string{"id": id})
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	msg := Message{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

// sendTo queues a message for a single client without blocking.
func sendTo(c *Client, msgType string, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		log.Printf("WebSocket: failed to encode %s message: %v", msgType, err)
		return
	}
	if !c.enqueue(data) {
		log.Printf("WebSocket: dropped %s message for a detached or slow client", msgType)
	}
}
