package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"graphroom/api/internal/auth"
	"graphroom/api/internal/authpw"
	"graphroom/api/internal/backup"
	"graphroom/api/internal/config"
	"graphroom/api/internal/email"
	"graphroom/api/internal/export"
	"graphroom/api/internal/search"
	"graphroom/api/internal/session"
	"graphroom/api/internal/snapshot"
	"graphroom/api/internal/store"
	"graphroom/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Color        string
	JTI          string
	ExpiresAt    time.Time
}

// NodeInput carries a client-generated node. The id is stable across the
// entity's life; the server only assigns one when the client omits it.
type NodeInput struct {
	ID   string         `json:"id"`
	X    float64        `json:"x"`
	Y    float64        `json:"y"`
	Data map[string]any `json:"data"`
}

// EdgeInput endpoints may arrive as a bare id string or as an object
// carrying an id; both normalize to the bare id before storage.
type EdgeInput struct {
	ID     string          `json:"id"`
	Source json.RawMessage `json:"source"`
	Target json.RawMessage `json:"target"`
	Label  string          `json:"label"`
	Data   map[string]any  `json:"data"`
}

type CommentInput struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Text   string  `json:"text"`
	NodeID string  `json:"nodeId"`
}

type BulkSyncInput struct {
	Nodes    []NodeInput    `json:"nodes"`
	Edges    []EdgeInput    `json:"edges"`
	Comments []CommentInput `json:"comments"`
	Replace  bool           `json:"replace"`
}

type GrantRoleInput struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	UpdateProjectConfig(context.Context, string, map[string]any) error
	SoftDeleteProject(context.Context, string) error
	SoftDeleteAccessGrant(context.Context, string) error
	PurgeProjectEntities(context.Context, string) error
	GetAccessGrant(context.Context, string) (store.AccessGrant, error)
	UpsertMembership(context.Context, string, store.Membership) error
	BindInviteMembership(context.Context, string, string, string) (bool, error)
	UpdateMembershipRole(context.Context, string, string, string) error
	DeleteMembership(context.Context, string, string) error
	SetMembershipVisibility(context.Context, string, string, bool) error
	GetNode(context.Context, string, string) (store.Node, error)
	UpsertNode(context.Context, store.Node) error
	SoftDeleteNode(context.Context, string, string) (bool, error)
	ListEdgesTouching(context.Context, string, string) ([]store.Edge, error)
	GetEdge(context.Context, string, string) (store.Edge, error)
	UpsertEdge(context.Context, store.Edge) error
	SoftDeleteEdge(context.Context, string, string) (bool, error)
	GetComment(context.Context, string, string) (store.Comment, error)
	UpsertComment(context.Context, store.Comment) error
	SoftDeleteComment(context.Context, string, string) (bool, error)
	ListGraph(context.Context, string) (store.Graph, error)
	SoftDeleteAllEntities(context.Context, string) error
	InsertHistoryEntry(context.Context, store.HistoryEntry) error
	ListHistory(context.Context, string, int) ([]store.HistoryEntry, error)
	GetHistoryEntry(context.Context, string, string) (store.HistoryEntry, error)
	ClearHistory(context.Context, string) (int, error)
}

// Broadcaster is the one outbound surface toward connected clients.
// Broadcasts are fire-and-forget with no delivery guarantee.
type Broadcaster interface {
	Broadcast(projectID, msgType string, payload any)
	CloseConnection(connID string)
}

// searchIndex is the slice of the search service the domain layer drives.
// Per-entity updates follow individual mutations; bulk paths that
// soft-delete wholesale rebuild the project's documents instead.
type searchIndex interface {
	Search(q search.Query) search.Response
	IndexNode(n search.NodeRecord)
	IndexComment(c search.CommentRecord)
	DeleteNode(id string)
	DeleteComment(id string)
	ReindexProject(ctx context.Context, projectID string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  *session.Registry
	refresh   *session.RefreshStore
	hub       Broadcaster
	search    searchIndex
	snapshots *snapshot.Service
	exporter  *export.Service
	backups   *backup.Service
	email     *email.Service
	authpw    *authpw.Service
}

type Deps struct {
	Store     *store.PostgresStore
	Sessions  *session.Registry
	Refresh   *session.RefreshStore
	Hub       Broadcaster
	Search    *search.Service
	Snapshots *snapshot.Service
	Exporter  *export.Service
	Backups   *backup.Service
	Email     *email.Service
	AuthPW    *authpw.Service
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		refresh:   deps.Refresh,
		hub:       deps.Hub,
		snapshots: deps.Snapshots,
		exporter:  deps.Exporter,
		backups:   deps.Backups,
		email:     deps.Email,
		authpw:    deps.AuthPW,
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), session.TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
	}, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Color:        user.Color,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Color:     user.Color,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// endpointID normalizes an edge endpoint, which clients send either as a
// bare id string or as a node object with an id field.
func endpointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}
