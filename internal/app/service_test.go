package app

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"graphroom/api/internal/config"
	"graphroom/api/internal/search"
	"graphroom/api/internal/session"
	"graphroom/api/internal/snapshot"
	"graphroom/api/internal/store"
)

// fakeStore is an in-memory dataStore mirroring the Postgres semantics the
// service relies on: soft-deleted rows are invisible to reads, upserts
// clear the soft-delete flag, and missing rows surface as sql.ErrNoRows.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	projects map[string]store.Project
	grants   map[string]*store.AccessGrant
	nodes    map[string]store.Node
	edges    map[string]store.Edge
	comments map[string]store.Comment
	history  map[string][]store.HistoryEntry
	revoked  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]store.User{},
		projects: map[string]store.Project{},
		grants:   map[string]*store.AccessGrant{},
		nodes:    map[string]store.Node{},
		edges:    map[string]store.Edge{},
		comments: map[string]store.Comment{},
		history:  map[string][]store.HistoryEntry{},
		revoked:  map[string]bool{},
	}
}

func entityKey(projectID, id string) string { return projectID + "/" + id }

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) InsertProject(_ context.Context, project store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now
	f.projects[project.ID] = project
	f.grants[project.ID] = &store.AccessGrant{
		ProjectID: project.ID,
		CreatedBy: project.OwnerID,
		Memberships: []store.Membership{
			{UserID: project.OwnerID, Role: "admin", Authorized: true, Visible: true, JoinedAt: &now},
		},
	}
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[id]
	if !ok || project.Deleted {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Project, 0)
	for _, project := range f.projects {
		if project.Deleted {
			continue
		}
		if project.OwnerID == userID {
			items = append(items, project)
			continue
		}
		if grant, ok := f.grants[project.ID]; ok {
			for _, m := range grant.Memberships {
				if m.UserID == userID && m.Authorized {
					items = append(items, project)
					break
				}
			}
		}
	}
	return items, nil
}

func (f *fakeStore) UpdateProjectConfig(_ context.Context, id string, cfg map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[id]
	if !ok || project.Deleted {
		return sql.ErrNoRows
	}
	project.Config = cfg
	project.UpdatedAt = time.Now()
	f.projects[id] = project
	return nil
}

func (f *fakeStore) SoftDeleteProject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if project, ok := f.projects[id]; ok {
		project.Deleted = true
		f.projects[id] = project
	}
	return nil
}

func (f *fakeStore) SoftDeleteAccessGrant(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if grant, ok := f.grants[projectID]; ok {
		grant.Deleted = true
	}
	return nil
}

func (f *fakeStore) PurgeProjectEntities(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := projectID + "/"
	for key := range f.nodes {
		if strings.HasPrefix(key, prefix) {
			delete(f.nodes, key)
		}
	}
	for key := range f.edges {
		if strings.HasPrefix(key, prefix) {
			delete(f.edges, key)
		}
	}
	for key := range f.comments {
		if strings.HasPrefix(key, prefix) {
			delete(f.comments, key)
		}
	}
	delete(f.history, projectID)
	return nil
}

func (f *fakeStore) GetAccessGrant(_ context.Context, projectID string) (store.AccessGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[projectID]
	if !ok || grant.Deleted {
		return store.AccessGrant{}, sql.ErrNoRows
	}
	copied := *grant
	copied.Memberships = append([]store.Membership(nil), grant.Memberships...)
	return copied, nil
}

func (f *fakeStore) UpsertMembership(_ context.Context, projectID string, m store.Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[projectID]
	if !ok {
		grant = &store.AccessGrant{ProjectID: projectID}
		f.grants[projectID] = grant
	}
	for i, existing := range grant.Memberships {
		if m.UserID != "" && existing.UserID == m.UserID {
			grant.Memberships[i].Role = m.Role
			grant.Memberships[i].Authorized = m.Authorized
			return nil
		}
		if m.UserID == "" && existing.UserID == "" && strings.EqualFold(existing.InvitedEmail, m.InvitedEmail) {
			grant.Memberships[i].Role = m.Role
			grant.Memberships[i].Authorized = m.Authorized
			return nil
		}
	}
	grant.Memberships = append(grant.Memberships, m)
	return nil
}

func (f *fakeStore) BindInviteMembership(_ context.Context, projectID, email, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[projectID]
	if !ok {
		return false, nil
	}
	for _, m := range grant.Memberships {
		if m.UserID == userID {
			return false, nil
		}
	}
	now := time.Now()
	for i, m := range grant.Memberships {
		if m.UserID == "" && strings.EqualFold(m.InvitedEmail, email) {
			grant.Memberships[i].UserID = userID
			grant.Memberships[i].JoinedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateMembershipRole(_ context.Context, projectID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if grant, ok := f.grants[projectID]; ok {
		for i, m := range grant.Memberships {
			if m.UserID == userID {
				grant.Memberships[i].Role = role
				return nil
			}
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) DeleteMembership(_ context.Context, projectID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if grant, ok := f.grants[projectID]; ok {
		for i, m := range grant.Memberships {
			if m.UserID == userID {
				grant.Memberships = append(grant.Memberships[:i], grant.Memberships[i+1:]...)
				return nil
			}
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) SetMembershipVisibility(_ context.Context, projectID, userID string, visible bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if grant, ok := f.grants[projectID]; ok {
		for i, m := range grant.Memberships {
			if m.UserID == userID {
				grant.Memberships[i].Visible = visible
			}
		}
	}
	return nil
}

func (f *fakeStore) GetNode(_ context.Context, projectID, nodeID string) (store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[entityKey(projectID, nodeID)]
	if !ok || node.Deleted {
		return store.Node{}, sql.ErrNoRows
	}
	return node, nil
}

func (f *fakeStore) UpsertNode(_ context.Context, node store.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	node.Deleted = false
	f.nodes[entityKey(node.ProjectID, node.ID)] = node
	return nil
}

func (f *fakeStore) SoftDeleteNode(_ context.Context, projectID, nodeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[entityKey(projectID, nodeID)]
	if !ok || node.Deleted {
		return false, nil
	}
	node.Deleted = true
	f.nodes[entityKey(projectID, nodeID)] = node
	return true, nil
}

func (f *fakeStore) ListEdgesTouching(_ context.Context, projectID, nodeID string) ([]store.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Edge, 0)
	for _, edge := range f.edges {
		if edge.ProjectID == projectID && !edge.Deleted && (edge.Source == nodeID || edge.Target == nodeID) {
			items = append(items, edge)
		}
	}
	return items, nil
}

func (f *fakeStore) GetEdge(_ context.Context, projectID, edgeID string) (store.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	edge, ok := f.edges[entityKey(projectID, edgeID)]
	if !ok || edge.Deleted {
		return store.Edge{}, sql.ErrNoRows
	}
	return edge, nil
}

func (f *fakeStore) UpsertEdge(_ context.Context, edge store.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	edge.Deleted = false
	f.edges[entityKey(edge.ProjectID, edge.ID)] = edge
	return nil
}

func (f *fakeStore) SoftDeleteEdge(_ context.Context, projectID, edgeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	edge, ok := f.edges[entityKey(projectID, edgeID)]
	if !ok || edge.Deleted {
		return false, nil
	}
	edge.Deleted = true
	f.edges[entityKey(projectID, edgeID)] = edge
	return true, nil
}

func (f *fakeStore) GetComment(_ context.Context, projectID, commentID string) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	comment, ok := f.comments[entityKey(projectID, commentID)]
	if !ok || comment.Deleted {
		return store.Comment{}, sql.ErrNoRows
	}
	return comment, nil
}

func (f *fakeStore) UpsertComment(_ context.Context, comment store.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	comment.Deleted = false
	f.comments[entityKey(comment.ProjectID, comment.ID)] = comment
	return nil
}

func (f *fakeStore) SoftDeleteComment(_ context.Context, projectID, commentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	comment, ok := f.comments[entityKey(projectID, commentID)]
	if !ok || comment.Deleted {
		return false, nil
	}
	comment.Deleted = true
	f.comments[entityKey(projectID, commentID)] = comment
	return true, nil
}

func (f *fakeStore) ListGraph(_ context.Context, projectID string) (store.Graph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	graph := store.Graph{Nodes: []store.Node{}, Edges: []store.Edge{}, Comments: []store.Comment{}}
	for _, node := range f.nodes {
		if node.ProjectID == projectID && !node.Deleted {
			graph.Nodes = append(graph.Nodes, node)
		}
	}
	for _, edge := range f.edges {
		if edge.ProjectID == projectID && !edge.Deleted {
			graph.Edges = append(graph.Edges, edge)
		}
	}
	for _, comment := range f.comments {
		if comment.ProjectID == projectID && !comment.Deleted {
			graph.Comments = append(graph.Comments, comment)
		}
	}
	return graph, nil
}

func (f *fakeStore) SoftDeleteAllEntities(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, node := range f.nodes {
		if node.ProjectID == projectID {
			node.Deleted = true
			f.nodes[key] = node
		}
	}
	for key, edge := range f.edges {
		if edge.ProjectID == projectID {
			edge.Deleted = true
			f.edges[key] = edge
		}
	}
	for key, comment := range f.comments {
		if comment.ProjectID == projectID {
			comment.Deleted = true
			f.comments[key] = comment
		}
	}
	return nil
}

func (f *fakeStore) InsertHistoryEntry(_ context.Context, entry store.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[entry.ProjectID] = append(f.history[entry.ProjectID], entry)
	return nil
}

func (f *fakeStore) ListHistory(_ context.Context, projectID string, limit int) ([]store.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.history[projectID]
	out := make([]store.HistoryEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (f *fakeStore) GetHistoryEntry(_ context.Context, projectID, entryID string) (store.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.history[projectID] {
		if entry.ID == entryID {
			return entry, nil
		}
	}
	return store.HistoryEntry{}, sql.ErrNoRows
}

func (f *fakeStore) ClearHistory(_ context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := len(f.history[projectID])
	delete(f.history, projectID)
	return count, nil
}

// fakeBroadcaster records every broadcast for assertions.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
	closed []string
}

type broadcastEvent struct {
	ProjectID string
	Type      string
	Payload   any
}

func (b *fakeBroadcaster) Broadcast(projectID, msgType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcastEvent{ProjectID: projectID, Type: msgType, Payload: payload})
}

func (b *fakeBroadcaster) CloseConnection(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, connID)
}

func (b *fakeBroadcaster) count(msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, event := range b.events {
		if event.Type == msgType {
			total++
		}
	}
	return total
}

// fakeSearch mirrors the index lifecycle: per-entity adds and deletes by
// composite id, and a project reindex that purges the project's documents
// before the rebuild (the rebuild itself is what the real service reads
// from Postgres, so the fake just records that it ran).
type fakeSearch struct {
	mu        sync.Mutex
	docs      map[string]bool
	reindexed []string
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{docs: map[string]bool{}}
}

func (f *fakeSearch) Search(search.Query) search.Response {
	return search.Response{Results: []search.Result{}}
}

func (f *fakeSearch) IndexNode(n search.NodeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[n.ID] = true
}

func (f *fakeSearch) IndexComment(c search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[c.ID] = true
}

func (f *fakeSearch) DeleteNode(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
}

func (f *fakeSearch) DeleteComment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
}

func (f *fakeSearch) ReindexProject(_ context.Context, projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.docs {
		if strings.HasPrefix(id, projectID+":") {
			delete(f.docs, id)
		}
	}
	f.reindexed = append(f.reindexed, projectID)
}

func (f *fakeSearch) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

func (f *fakeSearch) reindexCount(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, id := range f.reindexed {
		if id == projectID {
			total++
		}
	}
	return total
}

type testEnv struct {
	service *Service
	store   *fakeStore
	hub     *fakeBroadcaster
	search  *fakeSearch
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fs := newFakeStore()
	hub := &fakeBroadcaster{}
	idx := newFakeSearch()
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		SessionTTL: time.Minute,
	}

	svc := &Service{
		cfg:       cfg,
		store:     fs,
		sessions:  session.NewRegistry(client, time.Minute),
		refresh:   session.NewRefreshStore(client),
		hub:       hub,
		search:    idx,
		snapshots: snapshot.New(t.TempDir()),
	}
	return &testEnv{service: svc, store: fs, hub: hub, search: idx}
}

// seedProject creates an owner account and a project they own.
func (env *testEnv) seedProject(t *testing.T, ownerID, projectID string) Session {
	t.Helper()
	ctx := context.Background()
	if err := env.store.CreateUser(ctx, store.User{ID: ownerID, DisplayName: "Owner " + ownerID, Email: ownerID + "@example.com"}); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	if err := env.store.InsertProject(ctx, store.Project{ID: projectID, Name: "Project " + projectID, OwnerID: ownerID}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return Session{UserID: ownerID, UserName: "Owner " + ownerID, Email: ownerID + "@example.com"}
}

// addMember registers a user and grants them a role directly in the store.
func (env *testEnv) addMember(t *testing.T, projectID, userID, role string) Session {
	t.Helper()
	ctx := context.Background()
	if err := env.store.CreateUser(ctx, store.User{ID: userID, DisplayName: "User " + userID, Email: userID + "@example.com"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	now := time.Now()
	if err := env.store.UpsertMembership(ctx, projectID, store.Membership{
		UserID: userID, Role: role, Authorized: true, Visible: true, JoinedAt: &now,
	}); err != nil {
		t.Fatalf("upsert membership: %v", err)
	}
	return Session{UserID: userID, UserName: "User " + userID, Email: userID + "@example.com"}
}
