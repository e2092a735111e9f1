package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// inboundEnvelope defers payload decoding until the type is known.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client is one upgraded connection. The read pump owns the connection's
// inbound side and all gateway callbacks; the write pump owns the
// outbound side and the ping loop.
type Client struct {
	id        string
	projectID string // guarded by hub.mu once registered
	hub       *Hub
	gateway   Gateway
	conn      *websocket.Conn
	send      chan Envelope
	done      chan struct{}
	closed    bool
}

// ServeWS upgrades the request and runs the connection until it drops.
func ServeWS(hub *Hub, gateway Gateway, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	c := &Client{
		id:      uuid.New().String(),
		hub:     hub,
		gateway: gateway,
		conn:    conn,
		send:    make(chan Envelope, sendBuffer),
		done:    make(chan struct{}),
	}
	hub.register(c)

	c.send <- Envelope{Type: "conn:established", Payload: map[string]any{"connId": c.id}}

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.gateway.HandleDisconnect(context.Background(), c.id)
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env inboundEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error conn=%s: %v", c.id, err)
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env inboundEnvelope) {
	ctx := context.Background()

	switch env.Type {
	case "join":
		var req JoinRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid join payload")
			return
		}
		result, err := c.gateway.HandleJoin(ctx, c.id, req)
		if err != nil {
			c.sendError("JOIN_FAILED", err.Error())
			return
		}
		c.hub.joinRoom(c, result.ProjectID)
		for _, staleID := range result.Superseded {
			c.hub.Send(staleID, "session:superseded", map[string]any{"connId": staleID})
			c.hub.CloseConnection(staleID)
		}
		c.enqueue(Envelope{Type: "room-joined", Payload: result.Payload})

	case "leave":
		c.gateway.HandleLeave(ctx, c.id)
		c.hub.leaveRoom(c)

	case "cursor-move", "selection-change":
		// Relayed, never persisted and never echoed to the sender.
		if c.projectID == "" {
			return
		}
		// A literal null payload unmarshals to a nil map; stamping the
		// sender id into it would panic the read pump.
		var payload map[string]any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		if payload == nil {
			payload = map[string]any{}
		}
		payload["senderId"] = c.id
		c.hub.BroadcastExcept(c.projectID, c.id, env.Type, payload)

	case "presence:visibility":
		var payload struct {
			Visible bool `json:"visible"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid visibility payload")
			return
		}
		c.gateway.HandleVisibility(ctx, c.id, payload.Visible)

	default:
		c.sendError("UNKNOWN_TYPE", "unknown message type: "+env.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.gateway.HandleHeartbeat(context.Background(), c.id)
		case <-c.done:
			return
		}
	}
}

func (c *Client) enqueue(env Envelope) {
	select {
	case c.send <- env:
	default:
	}
}

func (c *Client) sendError(code, message string) {
	c.enqueue(Envelope{Type: "error", Payload: map[string]any{"code": code, "error": message}})
}

// close is idempotent under hub.mu.
func (c *Client) close() {
	c.hub.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.hub.mu.Unlock()
	if alreadyClosed {
		return
	}
	close(c.done)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
