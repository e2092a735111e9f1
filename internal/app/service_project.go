package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"graphroom/api/internal/export"
	"graphroom/api/internal/rbac"
	"graphroom/api/internal/search"
	"graphroom/api/internal/snapshot"
	"graphroom/api/internal/store"
	"graphroom/api/internal/util"
)

type ProjectDetail struct {
	Project store.Project `json:"project"`
	Role    string        `json:"role"`
}

func (s *Service) CreateProject(ctx context.Context, sess Session, name string, config map[string]any) (store.Project, error) {
	if sess.UserID == "" {
		return store.Project{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	project := store.Project{
		ID:      util.NewID("proj"),
		Name:    name,
		OwnerID: sess.UserID,
		Config:  config,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, err
	}

	if err := s.snapshots.EnsureProjectRepo(project.ID, sess.UserName); err != nil {
		log.Printf("init snapshot repo for %s failed: %v", project.ID, err)
	}
	return project, nil
}

func (s *Service) ListProjects(ctx context.Context, sess Session) ([]store.Project, error) {
	if sess.UserID == "" {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required", nil)
	}
	return s.store.ListProjectsForUser(ctx, sess.UserID)
}

func (s *Service) GetProjectDetail(ctx context.Context, projectID string, sess Session) (ProjectDetail, error) {
	project, role, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer)
	if err != nil {
		return ProjectDetail{}, err
	}
	return ProjectDetail{Project: project, Role: string(role)}, nil
}

func (s *Service) UpdateProjectConfig(ctx context.Context, projectID string, sess Session, config map[string]any) (store.Project, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleAdmin); err != nil {
		return store.Project{}, err
	}
	if err := s.store.UpdateProjectConfig(ctx, projectID, config); err != nil {
		return store.Project{}, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	s.hub.Broadcast(projectID, "project:config", project)
	return project, nil
}

// DeleteProject is a hard purge of the project's children behind a soft
// delete of the project row. A backup upload runs first when object storage
// is configured; the room gets a room:deleted signal before its connections
// are closed so clients can prompt for a local copy.
func (s *Service) DeleteProject(ctx context.Context, projectID string, sess Session) error {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleAdmin); err != nil {
		return err
	}

	if graph, err := s.store.ListGraph(ctx, projectID); err == nil {
		if payload, err := json.Marshal(graph); err == nil {
			if object, err := s.backups.UploadGraph(ctx, projectID, payload); err != nil {
				log.Printf("backup before delete of %s failed: %v", projectID, err)
			} else if object != "" {
				log.Printf("backed up project %s to %s", projectID, object)
			}
		}
	}

	if err := s.store.PurgeProjectEntities(ctx, projectID); err != nil {
		return err
	}
	if err := s.store.SoftDeleteAccessGrant(ctx, projectID); err != nil {
		return err
	}
	if err := s.store.SoftDeleteProject(ctx, projectID); err != nil {
		return err
	}

	s.hub.Broadcast(projectID, "room:deleted", map[string]any{"projectId": projectID})

	connIDs, err := s.sessions.RemoveByProject(ctx, projectID)
	if err != nil {
		log.Printf("remove sessions for %s failed: %v", projectID, err)
	}
	for _, connID := range connIDs {
		s.hub.CloseConnection(connID)
	}

	if err := s.snapshots.RemoveProjectRepo(projectID); err != nil {
		log.Printf("remove snapshot repo for %s failed: %v", projectID, err)
	}
	return nil
}

func (s *Service) SaveVersion(ctx context.Context, projectID string, sess Session, name string) (snapshot.VersionInfo, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleEditor); err != nil {
		return snapshot.VersionInfo{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return snapshot.VersionInfo{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	graph, err := s.store.ListGraph(ctx, projectID)
	if err != nil {
		return snapshot.VersionInfo{}, err
	}
	if err := s.snapshots.EnsureProjectRepo(projectID, sess.UserName); err != nil {
		return snapshot.VersionInfo{}, err
	}
	return s.snapshots.SaveVersion(projectID, name, graph, sess.UserName)
}

func (s *Service) ListVersions(ctx context.Context, projectID string, sess Session, limit int) ([]snapshot.VersionInfo, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.snapshots.ListVersions(projectID, limit)
}

func (s *Service) GetVersion(ctx context.Context, projectID string, sess Session, ref string) (store.Graph, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer); err != nil {
		return store.Graph{}, err
	}
	graph, err := s.snapshots.GetVersion(projectID, ref)
	if err != nil {
		return store.Graph{}, domainError(http.StatusNotFound, "NOT_FOUND", "Version not found", nil)
	}
	return graph, nil
}

func (s *Service) ExportProject(ctx context.Context, projectID string, sess Session, includeComments bool) (*export.Result, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{
		ProjectID:       projectID,
		IncludeComments: includeComments,
	})
}

func (s *Service) ExportProjectHTML(ctx context.Context, projectID string, sess Session, includeComments bool) (string, string, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer); err != nil {
		return "", "", err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return "", "", err
	}
	html, err := s.exporter.RenderHTML(ctx, export.Request{
		ProjectID:       projectID,
		IncludeComments: includeComments,
	})
	if err != nil {
		return "", "", err
	}
	return html, project.Name, nil
}

// TriggerBackup uploads the current graph to object storage on demand.
func (s *Service) TriggerBackup(ctx context.Context, projectID string, sess Session) (string, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleAdmin); err != nil {
		return "", err
	}
	graph, err := s.store.ListGraph(ctx, projectID)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(graph)
	if err != nil {
		return "", fmt.Errorf("marshal graph: %w", err)
	}
	object, err := s.backups.UploadGraph(ctx, projectID, payload)
	if err != nil {
		return "", err
	}
	if object == "" {
		return "", domainError(http.StatusServiceUnavailable, "BACKUP_UNAVAILABLE", "Object storage is not configured", nil)
	}
	return object, nil
}

func (s *Service) SearchProject(ctx context.Context, projectID string, sess Session, q search.Query) (search.Response, error) {
	if _, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	q.ProjectID = projectID
	return s.search.Search(q), nil
}
