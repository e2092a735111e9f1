package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"graphroom/api/internal/auth"
	"graphroom/api/internal/rbac"
	"graphroom/api/internal/session"
	"graphroom/api/internal/store"
	"graphroom/api/internal/util"
	"graphroom/api/internal/ws"
)

// Participant is one presence-list entry, enriched with the session's
// effective role label. Invisible participants stay in the list; clients
// hide them from everyone but themselves.
type Participant struct {
	ConnID  string `json:"connId"`
	UserID  string `json:"userId,omitempty"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	Role    string `json:"role"`
	Visible bool   `json:"visible"`
}

// HandleJoin admits a connection to a project room. An invalid or expired
// token degrades to a guest identity rather than failing the join.
func (s *Service) HandleJoin(ctx context.Context, connID string, req ws.JoinRequest) (ws.JoinResult, error) {
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return ws.JoinResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if err != nil {
		return ws.JoinResult{}, err
	}

	sess := session.Session{
		ConnID:    connID,
		ProjectID: project.ID,
		Name:      req.Name,
		Visible:   true,
		JoinedAt:  time.Now(),
	}
	if req.Token != "" {
		if claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), req.Token); err == nil {
			if user, err := s.store.GetUserByID(ctx, claims.Sub); err == nil {
				sess.UserID = user.ID
				sess.Name = user.DisplayName
				sess.Color = user.Color
			}
		}
	}
	if sess.Name == "" {
		sess.Name = "Guest"
	}
	if sess.Color == "" {
		sess.Color = util.RandomColor()
	}

	superseded, err := s.sessions.Put(ctx, sess)
	if err != nil {
		return ws.JoinResult{}, err
	}

	participants, err := s.listParticipants(ctx, project)
	if err != nil {
		return ws.JoinResult{}, err
	}

	graph, err := s.store.ListGraph(ctx, project.ID)
	if err != nil {
		return ws.JoinResult{}, err
	}
	history, err := s.store.ListHistory(ctx, project.ID, 50)
	if err != nil {
		return ws.JoinResult{}, err
	}

	s.hub.Broadcast(project.ID, "presence:update", participants)

	return ws.JoinResult{
		ProjectID: project.ID,
		Payload: map[string]any{
			"project": map[string]any{
				"id":     project.ID,
				"name":   project.Name,
				"config": project.Config,
			},
			"session": map[string]any{
				"connId": sess.ConnID,
				"userId": sess.UserID,
				"name":   sess.Name,
				"color":  sess.Color,
				"role":   s.roleLabel(ctx, project, sess.UserID),
			},
			"participants": participants,
			"graph":        graph,
			"history":      history,
		},
		Superseded: superseded,
	}, nil
}

func (s *Service) HandleLeave(ctx context.Context, connID string) {
	s.dropSession(ctx, connID)
}

func (s *Service) HandleDisconnect(ctx context.Context, connID string) {
	s.dropSession(ctx, connID)
}

func (s *Service) dropSession(ctx context.Context, connID string) {
	sess, err := s.sessions.Get(ctx, connID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return
	}
	if err != nil {
		log.Printf("lookup session %s failed: %v", connID, err)
		return
	}
	if err := s.sessions.Remove(ctx, connID); err != nil {
		log.Printf("remove session %s failed: %v", connID, err)
		return
	}
	s.broadcastPresence(ctx, sess.ProjectID)
}

func (s *Service) HandleVisibility(ctx context.Context, connID string, visible bool) {
	sess, err := s.sessions.SetVisibility(ctx, connID, visible)
	if err != nil {
		return
	}
	if sess.UserID != "" {
		if err := s.store.SetMembershipVisibility(ctx, sess.ProjectID, sess.UserID, visible); err != nil {
			log.Printf("persist visibility for %s failed: %v", sess.UserID, err)
		}
	}
	s.broadcastPresence(ctx, sess.ProjectID)
}

func (s *Service) HandleHeartbeat(ctx context.Context, connID string) {
	_ = s.sessions.Touch(ctx, connID)
}

func (s *Service) broadcastPresence(ctx context.Context, projectID string) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return
	}
	participants, err := s.listParticipants(ctx, project)
	if err != nil {
		log.Printf("list participants for %s failed: %v", projectID, err)
		return
	}
	s.hub.Broadcast(projectID, "presence:update", participants)
}

func (s *Service) listParticipants(ctx context.Context, project store.Project) ([]Participant, error) {
	sessions, err := s.sessions.ListByProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	roles := map[string]string{}
	if grant, err := s.store.GetAccessGrant(ctx, project.ID); err == nil {
		for _, m := range grant.Memberships {
			if m.UserID != "" && m.Authorized {
				roles[m.UserID] = string(rbac.Normalize(m.Role))
			}
		}
	}

	participants := make([]Participant, 0, len(sessions))
	for _, sess := range sessions {
		role := "guest"
		if sess.UserID != "" {
			if sess.UserID == project.OwnerID {
				role = string(rbac.RoleAdmin)
			} else if r, ok := roles[sess.UserID]; ok {
				role = r
			}
		}
		participants = append(participants, Participant{
			ConnID:  sess.ConnID,
			UserID:  sess.UserID,
			Name:    sess.Name,
			Color:   sess.Color,
			Role:    role,
			Visible: sess.Visible,
		})
	}
	return participants, nil
}

func (s *Service) roleLabel(ctx context.Context, project store.Project, userID string) string {
	if userID == "" {
		return "guest"
	}
	role, err := s.ResolveRole(ctx, project, userID, "")
	if err != nil {
		return "guest"
	}
	return string(role)
}
