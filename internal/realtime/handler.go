package realtime

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gofiber/websocket/v2"

	"screenrec/internal/catalog"
	"screenrec/internal/grant"
)

// Inbound message types.
const (
	TypeStart         = "start"
	TypeStop          = "stop"
	TypeGrantResponse = "grant_response"
	TypeRefresh       = "refresh"
)

// Controller is the coordinator as seen from a UI socket.
type Controller interface {
	RequestStart(ctx context.Context, target string) error
	RequestStop(ctx context.Context) string
	Reinit()
	Recordings(ctx context.Context) ([]catalog.Recording, error)
}

type PromptResolver interface {
	Resolve(id string, approved bool) error
	Pending() []grant.Prompt
}

type GrantResponse struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// WebSocketHandler serves /ws. Requests it starts run under ctx, which
// outlives any single connection.
type WebSocketHandler struct {
	ctx     context.Context
	hub     *Hub
	ctrl    Controller
	prompts PromptResolver
}

func NewWebSocketHandler(ctx context.Context, hub *Hub, ctrl Controller, prompts PromptResolver) *WebSocketHandler {
	return &WebSocketHandler{
		ctx:     ctx,
		hub:     hub,
		ctrl:    ctrl,
		prompts: prompts,
	}
}

// ServeWS handles one connection from upgrade to close.
func (wh *WebSocketHandler) ServeWS(c *websocket.Conn) {
	client := newClient(c)
	if !wh.hub.attach(client) {
		c.Close()
		return
	}

	go client.writePump()
	wh.welcome(client)
	client.readPump(wh)
}

// welcome brings a newly attached surface up to date.
func (wh *WebSocketHandler) welcome(c *Client) {
	wh.ctrl.Reinit()
	if wh.prompts != nil {
		for _, p := range wh.prompts.Pending() {
			sendTo(c, TypeGrantPrompt, p)
		}
	}
	if _, err := wh.ctrl.Recordings(wh.ctx); err != nil {
		log.Printf("WebSocket: failed to load catalog: %v", err)
		sendTo(c, TypeError, errorPayload(err))
	}
}

func (wh *WebSocketHandler) dispatch(c *Client, msg Message) {
	switch msg.Type {
	case TypeStart:
		// The grant prompt may be answered from this or another surface,
		// so the read loop must keep going.
		go func() {
			if err := wh.ctrl.RequestStart(wh.ctx, ""); err != nil {
				sendTo(c, TypeError, errorPayload(err))
			}
		}()

	case TypeStop:
		go wh.ctrl.RequestStop(wh.ctx)

	case TypeGrantResponse:
		var resp GrantResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			log.Printf("WebSocket: error unmarshaling grant_response payload: %v", err)
			sendTo(c, TypeError, map[string]string{"message": "invalid grant_response payload"})
			return
		}
		if wh.prompts == nil {
			return
		}
		if err := wh.prompts.Resolve(resp.ID, resp.Approved); err != nil {
			sendTo(c, TypeError, errorPayload(err))
		}

	case TypeRefresh:
		if _, err := wh.ctrl.Recordings(wh.ctx); err != nil {
			sendTo(c, TypeError, errorPayload(err))
		}

	default:
		log.Printf("WebSocket: unknown message type: %s", msg.Type)
	}
}

func errorPayload(err error) map[string]string {
	return map[string]string{"message": err.Error()}
}

// readPump pumps messages from the connection into dispatch.
func (c *Client) readPump(wh *WebSocketHandler) {
	defer func() {
		wh.hub.detach(c)
		c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket: read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("WebSocket: error unmarshaling message: %v", err)
			continue
		}
		wh.dispatch(c, msg)
	}
}

// writePump pumps messages from the hub to the connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("WebSocket: write error: %v", err)
			return
		}
	}
}
