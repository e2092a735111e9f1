package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"graphroom/api/internal/rbac"
	"graphroom/api/internal/store"
	"graphroom/api/internal/util"
)

// recordHistory appends one entry and broadcasts it. Every mutation gets
// exactly one entry; cascaded edge deletions from a node delete do not.
func (s *Service) recordHistory(ctx context.Context, projectID, authorName, action, details, entityType, entityID string, previousState json.RawMessage) error {
	entry := store.HistoryEntry{
		ID:            util.NewID("hist"),
		ProjectID:     projectID,
		Action:        action,
		Details:       details,
		AuthorName:    authorName,
		EntityType:    entityType,
		EntityID:      entityID,
		PreviousState: previousState,
		CreatedAt:     time.Now(),
	}
	if err := s.store.InsertHistoryEntry(ctx, entry); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	s.hub.Broadcast(projectID, "history:add", entry)
	return nil
}

func (s *Service) ListHistory(ctx context.Context, projectID string, sess Session, limit int) ([]store.HistoryEntry, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListHistory(ctx, projectID, limit)
}

// RevertHistory undoes one recorded mutation. An entry with a prior-state
// snapshot restores it as-is, un-deleting the entity; a pure Add entry is
// undone by soft-deleting the created entity. The snapshot is re-applied
// without checking for intervening edits, so reverting an old entry can
// clobber newer changes to the same entity.
func (s *Service) RevertHistory(ctx context.Context, projectID string, sess Session, entryID string) error {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return err
	}

	entry, err := s.store.GetHistoryEntry(ctx, projectID, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "History entry not found", nil)
	}
	if err != nil {
		return err
	}

	switch {
	case len(entry.PreviousState) > 0:
		if err := s.restoreSnapshot(ctx, projectID, entry); err != nil {
			return err
		}
	case strings.HasPrefix(entry.Action, "Add") && entry.EntityID != "":
		if err := s.undoCreation(ctx, projectID, entry); err != nil {
			return err
		}
	default:
		return domainError(http.StatusUnprocessableEntity, "INVALID_OPERATION", "This entry cannot be reverted", nil)
	}

	details := fmt.Sprintf("Reverted %q by %s", entry.Action, entry.AuthorName)
	return s.recordHistory(ctx, projectID, sess.UserName, "Revert", details, entry.EntityType, entry.EntityID, nil)
}

func (s *Service) restoreSnapshot(ctx context.Context, projectID string, entry store.HistoryEntry) error {
	switch entry.EntityType {
	case "node":
		var node store.Node
		if err := json.Unmarshal(entry.PreviousState, &node); err != nil {
			return fmt.Errorf("decode node snapshot: %w", err)
		}
		node.ID = entry.EntityID
		node.ProjectID = projectID
		node.Deleted = false
		node.UpdatedAt = time.Now()
		if err := s.store.UpsertNode(ctx, node); err != nil {
			return err
		}
		s.hub.Broadcast(projectID, "node:update", node)
		s.indexNode(node)
	case "edge":
		var edge store.Edge
		if err := json.Unmarshal(entry.PreviousState, &edge); err != nil {
			return fmt.Errorf("decode edge snapshot: %w", err)
		}
		edge.ID = entry.EntityID
		edge.ProjectID = projectID
		edge.Deleted = false
		edge.UpdatedAt = time.Now()
		if err := s.store.UpsertEdge(ctx, edge); err != nil {
			return err
		}
		s.hub.Broadcast(projectID, "edge:update", edge)
	case "comment":
		var comment store.Comment
		if err := json.Unmarshal(entry.PreviousState, &comment); err != nil {
			return fmt.Errorf("decode comment snapshot: %w", err)
		}
		comment.ID = entry.EntityID
		comment.ProjectID = projectID
		comment.Deleted = false
		comment.UpdatedAt = time.Now()
		if err := s.store.UpsertComment(ctx, comment); err != nil {
			return err
		}
		s.hub.Broadcast(projectID, "comment:update", comment)
		s.indexComment(comment)
	default:
		return domainError(http.StatusUnprocessableEntity, "INVALID_OPERATION", "This entry cannot be reverted", nil)
	}
	return nil
}

func (s *Service) undoCreation(ctx context.Context, projectID string, entry store.HistoryEntry) error {
	switch entry.EntityType {
	case "node":
		deleted, err := s.store.SoftDeleteNode(ctx, projectID, entry.EntityID)
		if err != nil {
			return err
		}
		if !deleted {
			return errEntityNotFound
		}
		if err := s.cascadeEdges(ctx, projectID, entry.EntityID); err != nil {
			return err
		}
		s.hub.Broadcast(projectID, "node:delete", map[string]any{"id": entry.EntityID})
		if s.search != nil {
			s.search.DeleteNode(projectID + ":" + entry.EntityID)
		}
	case "edge":
		deleted, err := s.store.SoftDeleteEdge(ctx, projectID, entry.EntityID)
		if err != nil {
			return err
		}
		if !deleted {
			return errEntityNotFound
		}
		s.hub.Broadcast(projectID, "edge:delete", map[string]any{"id": entry.EntityID})
	case "comment":
		deleted, err := s.store.SoftDeleteComment(ctx, projectID, entry.EntityID)
		if err != nil {
			return err
		}
		if !deleted {
			return errEntityNotFound
		}
		s.hub.Broadcast(projectID, "comment:delete", map[string]any{"id": entry.EntityID})
		if s.search != nil {
			s.search.DeleteComment(projectID + ":" + entry.EntityID)
		}
	default:
		return domainError(http.StatusUnprocessableEntity, "INVALID_OPERATION", "This entry cannot be reverted", nil)
	}
	return nil
}

func (s *Service) ClearHistory(ctx context.Context, projectID string, sess Session) (int, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleAdmin); err != nil {
		return 0, err
	}
	count, err := s.store.ClearHistory(ctx, projectID)
	if err != nil {
		return 0, err
	}
	s.hub.Broadcast(projectID, "history:clear", map[string]any{"count": count})
	return count, nil
}
