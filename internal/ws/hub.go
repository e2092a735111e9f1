package ws

import (
	"sync"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub tracks live connections and their room membership. It is purely a
// fan-out structure: it never inspects payloads beyond the envelope type.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Client            // connID -> client
	rooms map[string]map[string]*Client // projectID -> connID -> client
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Client),
		rooms: make(map[string]map[string]*Client),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// joinRoom moves the client into a project room, leaving any previous one.
func (h *Hub) joinRoom(c *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.projectID != "" {
		if room, ok := h.rooms[c.projectID]; ok {
			delete(room, c.id)
			if len(room) == 0 {
				delete(h.rooms, c.projectID)
			}
		}
	}
	c.projectID = projectID
	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[projectID] = room
	}
	room[c.id] = c
}

func (h *Hub) leaveRoom(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.projectID == "" {
		return
	}
	if room, ok := h.rooms[c.projectID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, c.projectID)
		}
	}
	c.projectID = ""
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	if c.projectID != "" {
		if room, ok := h.rooms[c.projectID]; ok {
			delete(room, c.id)
			if len(room) == 0 {
				delete(h.rooms, c.projectID)
			}
		}
	}
}

// Broadcast sends an envelope to every client in the project's room.
func (h *Hub) Broadcast(projectID, msgType string, payload any) {
	h.BroadcastExcept(projectID, "", msgType, payload)
}

// BroadcastExcept sends to every room member except the named connection.
// A full send buffer drops the message for that client rather than
// blocking the whole room.
func (h *Hub) BroadcastExcept(projectID, exceptConnID, msgType string, payload any) {
	env := Envelope{Type: msgType, Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, c := range h.rooms[projectID] {
		if connID == exceptConnID {
			continue
		}
		select {
		case c.send <- env:
		default:
		}
	}
}

// Send delivers an envelope to one connection, if it is still registered.
func (h *Hub) Send(connID, msgType string, payload any) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.send <- Envelope{Type: msgType, Payload: payload}:
	default:
	}
}

// CloseConnection tears down a connection server-side. Used when a newer
// session supersedes it or its project is deleted.
func (h *Hub) CloseConnection(connID string) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.close()
}

// RoomSize reports how many connections are in a project's room.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[projectID])
}
