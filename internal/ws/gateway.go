// Package ws carries the realtime transport: one hub, one client per
// connection, JSON envelopes in both directions. Room semantics (who may
// join, presence bookkeeping, history) live behind the Gateway interface
// so the transport stays free of domain logic.
package ws

import "context"

// JoinRequest is the payload of a join envelope. Token is optional;
// without one the connection joins as a guest under the supplied name.
type JoinRequest struct {
	ProjectID string `json:"projectId"`
	Token     string `json:"token,omitempty"`
	Name      string `json:"name,omitempty"`
}

// JoinResult is what the gateway hands back on a successful join. Payload
// becomes the room-joined envelope sent to the joining client; Superseded
// lists connection ids whose sessions this join displaced and which the
// hub must close.
type JoinResult struct {
	ProjectID  string
	Payload    map[string]any
	Superseded []string
}

// Gateway is implemented by the application service. Every callback gets
// the connection id the hub assigned at upgrade time.
type Gateway interface {
	HandleJoin(ctx context.Context, connID string, req JoinRequest) (JoinResult, error)
	HandleLeave(ctx context.Context, connID string)
	HandleDisconnect(ctx context.Context, connID string)
	HandleVisibility(ctx context.Context, connID string, visible bool)
	HandleHeartbeat(ctx context.Context, connID string)
}
