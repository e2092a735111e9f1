package ws

import (
	"testing"
)

func newTestClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

func drain(c *Client) []Envelope {
	var out []Envelope
	for {
		select {
		case env := <-c.send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestBroadcastReachesRoomMembers(t *testing.T) {
	hub := NewHub()
	a := newTestClient("conn-a")
	b := newTestClient("conn-b")
	outsider := newTestClient("conn-c")
	for _, c := range []*Client{a, b, outsider} {
		c.hub = hub
		hub.register(c)
	}
	hub.joinRoom(a, "prj_1")
	hub.joinRoom(b, "prj_1")
	hub.joinRoom(outsider, "prj_2")

	hub.Broadcast("prj_1", "node:add", map[string]any{"id": "n1"})

	for _, c := range []*Client{a, b} {
		msgs := drain(c)
		if len(msgs) != 1 || msgs[0].Type != "node:add" {
			t.Errorf("client %s: expected one node:add, got %+v", c.id, msgs)
		}
	}
	if msgs := drain(outsider); len(msgs) != 0 {
		t.Errorf("outsider should receive nothing, got %+v", msgs)
	}
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	hub := NewHub()
	sender := newTestClient("conn-a")
	peer := newTestClient("conn-b")
	for _, c := range []*Client{sender, peer} {
		c.hub = hub
		hub.register(c)
		hub.joinRoom(c, "prj_1")
	}

	hub.BroadcastExcept("prj_1", sender.id, "cursor-move", map[string]any{"x": 1.0})

	if msgs := drain(sender); len(msgs) != 0 {
		t.Errorf("sender should not see its own relay, got %+v", msgs)
	}
	if msgs := drain(peer); len(msgs) != 1 {
		t.Errorf("peer should see the relay, got %+v", msgs)
	}
}

func TestJoinRoomMovesBetweenRooms(t *testing.T) {
	hub := NewHub()
	c := newTestClient("conn-a")
	c.hub = hub
	hub.register(c)

	hub.joinRoom(c, "prj_1")
	hub.joinRoom(c, "prj_2")

	if n := hub.RoomSize("prj_1"); n != 0 {
		t.Errorf("old room should be empty, got %d", n)
	}
	if n := hub.RoomSize("prj_2"); n != 1 {
		t.Errorf("new room should have the client, got %d", n)
	}
}

func TestRemoveCleansUpRoom(t *testing.T) {
	hub := NewHub()
	c := newTestClient("conn-a")
	c.hub = hub
	hub.register(c)
	hub.joinRoom(c, "prj_1")

	hub.remove(c)

	if n := hub.RoomSize("prj_1"); n != 0 {
		t.Errorf("room should be empty after remove, got %d", n)
	}
	hub.Send("conn-a", "node:add", nil)
	if msgs := drain(c); len(msgs) != 0 {
		t.Errorf("removed client should not receive sends, got %+v", msgs)
	}
}

func TestFullSendBufferDoesNotBlockBroadcast(t *testing.T) {
	hub := NewHub()
	c := newTestClient("conn-a")
	c.hub = hub
	hub.register(c)
	hub.joinRoom(c, "prj_1")

	for i := 0; i < sendBuffer+10; i++ {
		hub.Broadcast("prj_1", "node:update", map[string]any{"seq": i})
	}

	if msgs := drain(c); len(msgs) != sendBuffer {
		t.Errorf("expected exactly %d buffered messages, got %d", sendBuffer, len(msgs))
	}
}
