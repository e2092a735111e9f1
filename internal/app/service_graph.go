package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"graphroom/api/internal/rbac"
	"graphroom/api/internal/search"
	"graphroom/api/internal/store"
	"graphroom/api/internal/util"
)

var errEntityNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "Entity not found", nil)

func (s *Service) GetGraph(ctx context.Context, projectID string, sess Session) (store.Graph, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer); err != nil {
		return store.Graph{}, err
	}
	return s.store.ListGraph(ctx, projectID)
}

func (s *Service) AddNode(ctx context.Context, projectID string, sess Session, input NodeInput) (store.Node, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return store.Node{}, err
	}

	id := input.ID
	if id == "" {
		id = util.NewID("node")
	}
	now := time.Now()
	node := store.Node{
		ID:        id,
		ProjectID: projectID,
		X:         input.X,
		Y:         input.Y,
		Data:      input.Data,
		CreatedBy: sess.UserID,
		UpdatedBy: sess.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertNode(ctx, node); err != nil {
		return store.Node{}, err
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Add Node", nodeLabel(node), "node", node.ID, nil); err != nil {
		return store.Node{}, err
	}
	s.hub.Broadcast(projectID, "node:update", node)
	s.indexNode(node)
	return node, nil
}

func (s *Service) UpdateNode(ctx context.Context, projectID string, sess Session, nodeID string, input NodeInput) (store.Node, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return store.Node{}, err
	}

	existing, err := s.store.GetNode(ctx, projectID, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Node{}, errEntityNotFound
	}
	if err != nil {
		return store.Node{}, err
	}
	previous, err := json.Marshal(existing)
	if err != nil {
		return store.Node{}, fmt.Errorf("snapshot node: %w", err)
	}

	node := existing
	node.X = input.X
	node.Y = input.Y
	if input.Data != nil {
		node.Data = input.Data
	}
	node.UpdatedBy = sess.UserID
	node.UpdatedAt = time.Now()
	if err := s.store.UpsertNode(ctx, node); err != nil {
		return store.Node{}, err
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Update Node", nodeLabel(node), "node", node.ID, previous); err != nil {
		return store.Node{}, err
	}
	s.hub.Broadcast(projectID, "node:update", node)
	s.indexNode(node)
	return node, nil
}

// DeleteNode soft-deletes the node and cascades to every edge touching it.
// Each cascaded edge delete is broadcast individually; only the node delete
// gets a history entry, so reverting it does not restore the edges.
func (s *Service) DeleteNode(ctx context.Context, projectID string, sess Session, nodeID string) error {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return err
	}

	existing, err := s.store.GetNode(ctx, projectID, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return errEntityNotFound
	}
	if err != nil {
		return err
	}
	previous, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("snapshot node: %w", err)
	}

	deleted, err := s.store.SoftDeleteNode(ctx, projectID, nodeID)
	if err != nil {
		return err
	}
	if !deleted {
		return errEntityNotFound
	}

	if err := s.cascadeEdges(ctx, projectID, nodeID); err != nil {
		return err
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Delete Node", nodeLabel(existing), "node", nodeID, previous); err != nil {
		return err
	}
	s.hub.Broadcast(projectID, "node:delete", map[string]any{"id": nodeID})
	if s.search != nil {
		s.search.DeleteNode(projectID + ":" + nodeID)
	}
	return nil
}

func (s *Service) cascadeEdges(ctx context.Context, projectID, nodeID string) error {
	edges, err := s.store.ListEdgesTouching(ctx, projectID, nodeID)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if _, err := s.store.SoftDeleteEdge(ctx, projectID, edge.ID); err != nil {
			return err
		}
		s.hub.Broadcast(projectID, "edge:delete", map[string]any{"id": edge.ID})
	}
	return nil
}

func (s *Service) AddEdge(ctx context.Context, projectID string, sess Session, input EdgeInput) (store.Edge, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return store.Edge{}, err
	}

	source := endpointID(input.Source)
	target := endpointID(input.Target)
	if source == "" || target == "" {
		return store.Edge{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "source and target are required", nil)
	}

	id := input.ID
	if id == "" {
		id = util.NewID("edge")
	}
	now := time.Now()
	edge := store.Edge{
		ID:        id,
		ProjectID: projectID,
		Source:    source,
		Target:    target,
		Label:     input.Label,
		Data:      input.Data,
		CreatedBy: sess.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertEdge(ctx, edge); err != nil {
		return store.Edge{}, err
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Add Edge", edgeDetails(edge), "edge", edge.ID, nil); err != nil {
		return store.Edge{}, err
	}
	s.hub.Broadcast(projectID, "edge:update", edge)
	return edge, nil
}

func (s *Service) UpdateEdge(ctx context.Context, projectID string, sess Session, edgeID string, input EdgeInput) (store.Edge, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return store.Edge{}, err
	}

	existing, err := s.store.GetEdge(ctx, projectID, edgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Edge{}, errEntityNotFound
	}
	if err != nil {
		return store.Edge{}, err
	}
	previous, err := json.Marshal(existing)
	if err != nil {
		return store.Edge{}, fmt.Errorf("snapshot edge: %w", err)
	}

	edge := existing
	if source := endpointID(input.Source); source != "" {
		edge.Source = source
	}
	if target := endpointID(input.Target); target != "" {
		edge.Target = target
	}
	edge.Label = input.Label
	if input.Data != nil {
		edge.Data = input.Data
	}
	edge.UpdatedAt = time.Now()
	if err := s.store.UpsertEdge(ctx, edge); err != nil {
		return store.Edge{}, err
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Update Edge", edgeDetails(edge), "edge", edge.ID, previous); err != nil {
		return store.Edge{}, err
	}
	s.hub.Broadcast(projectID, "edge:update", edge)
	return edge, nil
}

func (s *Service) DeleteEdge(ctx context.Context, projectID string, sess Session, edgeID string) error {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return err
	}

	existing, err := s.store.GetEdge(ctx, projectID, edgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return errEntityNotFound
	}
	if err != nil {
		return err
	}
	previous, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("snapshot edge: %w", err)
	}

	deleted, err := s.store.SoftDeleteEdge(ctx, projectID, edgeID)
	if err != nil {
		return err
	}
	if !deleted {
		return errEntityNotFound
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Delete Edge", edgeDetails(existing), "edge", edgeID, previous); err != nil {
		return err
	}
	s.hub.Broadcast(projectID, "edge:delete", map[string]any{"id": edgeID})
	return nil
}

func (s *Service) AddComment(ctx context.Context, projectID string, sess Session, input CommentInput) (store.Comment, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return store.Comment{}, err
	}
	if input.Text == "" {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}

	id := input.ID
	if id == "" {
		id = util.NewID("cmt")
	}
	now := time.Now()
	comment := store.Comment{
		ID:         id,
		ProjectID:  projectID,
		X:          input.X,
		Y:          input.Y,
		Text:       input.Text,
		NodeID:     input.NodeID,
		AuthorID:   sess.UserID,
		AuthorName: sess.UserName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.UpsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Add Comment", truncate(comment.Text, 80), "comment", comment.ID, nil); err != nil {
		return store.Comment{}, err
	}
	s.hub.Broadcast(projectID, "comment:update", comment)
	s.indexComment(comment)
	return comment, nil
}

func (s *Service) UpdateComment(ctx context.Context, projectID string, sess Session, commentID string, input CommentInput) (store.Comment, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return store.Comment{}, err
	}

	existing, err := s.store.GetComment(ctx, projectID, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, errEntityNotFound
	}
	if err != nil {
		return store.Comment{}, err
	}
	previous, err := json.Marshal(existing)
	if err != nil {
		return store.Comment{}, fmt.Errorf("snapshot comment: %w", err)
	}

	comment := existing
	comment.X = input.X
	comment.Y = input.Y
	if input.Text != "" {
		comment.Text = input.Text
	}
	comment.NodeID = input.NodeID
	comment.UpdatedAt = time.Now()
	if err := s.store.UpsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Update Comment", truncate(comment.Text, 80), "comment", comment.ID, previous); err != nil {
		return store.Comment{}, err
	}
	s.hub.Broadcast(projectID, "comment:update", comment)
	s.indexComment(comment)
	return comment, nil
}

func (s *Service) DeleteComment(ctx context.Context, projectID string, sess Session, commentID string) error {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return err
	}

	existing, err := s.store.GetComment(ctx, projectID, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return errEntityNotFound
	}
	if err != nil {
		return err
	}
	previous, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("snapshot comment: %w", err)
	}

	deleted, err := s.store.SoftDeleteComment(ctx, projectID, commentID)
	if err != nil {
		return err
	}
	if !deleted {
		return errEntityNotFound
	}

	if err := s.recordHistory(ctx, projectID, sess.UserName, "Delete Comment", truncate(existing.Text, 80), "comment", commentID, previous); err != nil {
		return err
	}
	s.hub.Broadcast(projectID, "comment:delete", map[string]any{"id": commentID})
	if s.search != nil {
		s.search.DeleteComment(projectID + ":" + commentID)
	}
	return nil
}

// ClearProject soft-deletes every entity in the project. The project itself
// and its history survive.
func (s *Service) ClearProject(ctx context.Context, projectID string, sess Session) error {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleAdmin); err != nil {
		return err
	}
	if err := s.store.SoftDeleteAllEntities(ctx, projectID); err != nil {
		return err
	}
	if err := s.recordHistory(ctx, projectID, sess.UserName, "Clear Project", "", "", "", nil); err != nil {
		return err
	}
	s.hub.Broadcast(projectID, "room:cleared", map[string]any{})
	s.reindexProject(ctx, projectID)
	return nil
}

// BulkSync upserts a client's snapshot by client id, un-deleting anything
// it touches. With replace set, everything in the project is soft-deleted
// first so the snapshot fully wins.
func (s *Service) BulkSync(ctx context.Context, projectID string, sess Session, input BulkSyncInput) (store.Graph, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return store.Graph{}, err
	}

	if input.Replace {
		if err := s.store.SoftDeleteAllEntities(ctx, projectID); err != nil {
			return store.Graph{}, err
		}
	}

	now := time.Now()
	for _, in := range input.Nodes {
		if in.ID == "" {
			continue
		}
		node := store.Node{
			ID:        in.ID,
			ProjectID: projectID,
			X:         in.X,
			Y:         in.Y,
			Data:      in.Data,
			CreatedBy: sess.UserID,
			UpdatedBy: sess.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.UpsertNode(ctx, node); err != nil {
			return store.Graph{}, err
		}
	}
	for _, in := range input.Edges {
		if in.ID == "" {
			continue
		}
		source := endpointID(in.Source)
		target := endpointID(in.Target)
		if source == "" || target == "" {
			continue
		}
		edge := store.Edge{
			ID:        in.ID,
			ProjectID: projectID,
			Source:    source,
			Target:    target,
			Label:     in.Label,
			Data:      in.Data,
			CreatedBy: sess.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.UpsertEdge(ctx, edge); err != nil {
			return store.Graph{}, err
		}
	}
	for _, in := range input.Comments {
		if in.ID == "" {
			continue
		}
		comment := store.Comment{
			ID:         in.ID,
			ProjectID:  projectID,
			X:          in.X,
			Y:          in.Y,
			Text:       in.Text,
			NodeID:     in.NodeID,
			AuthorID:   sess.UserID,
			AuthorName: sess.UserName,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.UpsertComment(ctx, comment); err != nil {
			return store.Graph{}, err
		}
	}

	details := fmt.Sprintf("%d nodes, %d edges, %d comments", len(input.Nodes), len(input.Edges), len(input.Comments))
	if err := s.recordHistory(ctx, projectID, sess.UserName, "Sync Graph", details, "", "", nil); err != nil {
		return store.Graph{}, err
	}
	s.reindexProject(ctx, projectID)
	return s.store.ListGraph(ctx, projectID)
}

// reindexProject rebuilds the project's search documents from live
// entities. Bulk paths go through here instead of per-entity updates so
// soft-deleted leftovers cannot linger in the index.
func (s *Service) reindexProject(ctx context.Context, projectID string) {
	if s.search == nil {
		return
	}
	s.search.ReindexProject(ctx, projectID)
}

func (s *Service) indexNode(node store.Node) {
	if s.search == nil {
		return
	}
	s.search.IndexNode(search.NodeRecord{
		ID:        node.ProjectID + ":" + node.ID,
		NodeID:    node.ID,
		Label:     nodeLabel(node),
		ProjectID: node.ProjectID,
	})
}

func (s *Service) indexComment(comment store.Comment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:         comment.ProjectID + ":" + comment.ID,
		CommentID:  comment.ID,
		Body:       comment.Text,
		AuthorName: comment.AuthorName,
		ProjectID:  comment.ProjectID,
		NodeID:     comment.NodeID,
	})
}

func nodeLabel(node store.Node) string {
	if label, ok := node.Data["label"].(string); ok {
		return label
	}
	return node.ID
}

func edgeDetails(edge store.Edge) string {
	return fmt.Sprintf("%s -> %s", edge.Source, edge.Target)
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
