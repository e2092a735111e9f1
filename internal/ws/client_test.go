package ws

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeGateway struct {
	joined []string
	left   []string
}

func (g *fakeGateway) HandleJoin(_ context.Context, connID string, req JoinRequest) (JoinResult, error) {
	g.joined = append(g.joined, connID)
	return JoinResult{ProjectID: req.ProjectID, Payload: map[string]any{"connId": connID}}, nil
}

func (g *fakeGateway) HandleLeave(_ context.Context, connID string) {
	g.left = append(g.left, connID)
}

func (g *fakeGateway) HandleDisconnect(context.Context, string)       {}
func (g *fakeGateway) HandleVisibility(context.Context, string, bool) {}
func (g *fakeGateway) HandleHeartbeat(context.Context, string)        {}

func TestDispatchJoinRepliesRoomJoined(t *testing.T) {
	hub := NewHub()
	gw := &fakeGateway{}
	c := newTestClient("conn-a")
	c.hub = hub
	c.gateway = gw
	hub.register(c)

	payload, _ := json.Marshal(JoinRequest{ProjectID: "prj_1", Name: "Guest"})
	c.dispatch(inboundEnvelope{Type: "join", Payload: payload})

	msgs := drain(c)
	if len(msgs) != 1 || msgs[0].Type != "room-joined" {
		t.Fatalf("expected one room-joined reply, got %+v", msgs)
	}
	if n := hub.RoomSize("prj_1"); n != 1 {
		t.Errorf("room size = %d, want 1", n)
	}
	if len(gw.joined) != 1 || gw.joined[0] != "conn-a" {
		t.Errorf("gateway join calls = %v, want [conn-a]", gw.joined)
	}
}

func TestDispatchLeaveEmptiesRoom(t *testing.T) {
	hub := NewHub()
	gw := &fakeGateway{}
	c := newTestClient("conn-a")
	c.hub = hub
	c.gateway = gw
	hub.register(c)
	hub.joinRoom(c, "prj_1")

	c.dispatch(inboundEnvelope{Type: "leave", Payload: nil})

	if n := hub.RoomSize("prj_1"); n != 0 {
		t.Errorf("room size after leave = %d, want 0", n)
	}
	if len(gw.left) != 1 {
		t.Errorf("gateway leave calls = %v, want one", gw.left)
	}
}

// A literal null relay payload must be tolerated, not panic the read pump.
func TestRelayNullPayloadStampsSender(t *testing.T) {
	hub := NewHub()
	sender := newTestClient("conn-a")
	peer := newTestClient("conn-b")
	for _, c := range []*Client{sender, peer} {
		c.hub = hub
		hub.register(c)
		hub.joinRoom(c, "prj_1")
	}

	for _, kind := range []string{"cursor-move", "selection-change"} {
		sender.dispatch(inboundEnvelope{Type: kind, Payload: json.RawMessage("null")})

		msgs := drain(peer)
		if len(msgs) != 1 || msgs[0].Type != kind {
			t.Fatalf("%s: peer should receive one relay, got %+v", kind, msgs)
		}
		payload, ok := msgs[0].Payload.(map[string]any)
		if !ok || payload["senderId"] != "conn-a" {
			t.Errorf("%s: relay payload = %+v, want senderId conn-a", kind, msgs[0].Payload)
		}
		if got := drain(sender); len(got) != 0 {
			t.Errorf("%s: relay echoed to sender: %+v", kind, got)
		}
	}
}

func TestRelayBeforeJoinIsDropped(t *testing.T) {
	hub := NewHub()
	c := newTestClient("conn-a")
	c.hub = hub
	hub.register(c)

	c.dispatch(inboundEnvelope{Type: "cursor-move", Payload: json.RawMessage(`{"x":1}`)})

	if msgs := drain(c); len(msgs) != 0 {
		t.Errorf("unjoined relay should be dropped, got %+v", msgs)
	}
}
