package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Color                 string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Project is the scoping root for all graph entities. Owner is immutable
// after creation; deletion is a soft-delete of the project row plus a hard
// purge of its child entities.
type Project struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"ownerId"`
	Config    map[string]any `json:"config"`
	Deleted   bool           `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Membership is one user's (or pending invitee's) standing within a project.
// UserID is empty until the invited address registers and is bound on first
// role resolution.
type Membership struct {
	UserID       string     `json:"userId,omitempty"`
	InvitedEmail string     `json:"invitedEmail,omitempty"`
	Role         string     `json:"role"`
	Authorized   bool       `json:"authorized"`
	Visible      bool       `json:"visible"`
	JoinedAt     *time.Time `json:"joinedAt,omitempty"`
}

// AccessGrant is the per-project authorization document (1:1 with Project).
type AccessGrant struct {
	ProjectID   string       `json:"projectId"`
	CreatedBy   string       `json:"createdBy"`
	Memberships []Membership `json:"memberships"`
	Deleted     bool         `json:"-"`
}

// Node in clean form: the client-generated id is the only identifier that
// leaves the store layer; the internal storage key stays in Postgres.
type Node struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Data      map[string]any `json:"data,omitempty"`
	Deleted   bool           `json:"-"`
	CreatedBy string         `json:"createdBy,omitempty"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Edge endpoints are node ids. They are not validated against node existence
// at write time; consistency comes from the delete cascade.
type Edge struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Label     string         `json:"label,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Deleted   bool           `json:"-"`
	CreatedBy string         `json:"createdBy,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type Comment struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Text       string    `json:"text"`
	NodeID     string    `json:"nodeId,omitempty"`
	AuthorID   string    `json:"authorId,omitempty"`
	AuthorName string    `json:"authorName,omitempty"`
	Deleted    bool      `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HistoryEntry records one mutation. PreviousState holds the full prior
// document when the action replaced or removed something; entries without it
// are revertible only when the action is a pure creation.
type HistoryEntry struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"projectId"`
	Action        string          `json:"action"`
	Details       string          `json:"details,omitempty"`
	AuthorName    string          `json:"authorName"`
	EntityType    string          `json:"entityType,omitempty"`
	EntityID      string          `json:"entityId,omitempty"`
	PreviousState json.RawMessage `json:"previousState,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Graph is the full-state snapshot of one project's live entities.
type Graph struct {
	Nodes    []Node    `json:"nodes"`
	Edges    []Edge    `json:"edges"`
	Comments []Comment `json:"comments"`
}
