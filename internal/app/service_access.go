package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"graphroom/api/internal/rbac"
	"graphroom/api/internal/store"
)

var errAccessDenied = domainError(http.StatusForbidden, "FORBIDDEN", "You do not have access to this project", nil)

// ResolveRole computes a user's effective role for a project. The owner is
// always admin regardless of membership. A pending invite matching the
// user's email is bound to the user id on first resolution; the binding is
// idempotent because the bound row no longer matches pending invites.
func (s *Service) ResolveRole(ctx context.Context, project store.Project, userID, userEmail string) (rbac.Role, error) {
	if userID == "" {
		return "", errAccessDenied
	}
	if project.OwnerID == userID {
		return rbac.RoleAdmin, nil
	}

	grant, err := s.store.GetAccessGrant(ctx, project.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errAccessDenied
	}
	if err != nil {
		return "", err
	}

	for _, m := range grant.Memberships {
		if m.UserID == userID {
			if !m.Authorized {
				return "", errAccessDenied
			}
			return rbac.Normalize(m.Role), nil
		}
	}

	if userEmail != "" {
		for _, m := range grant.Memberships {
			if m.UserID == "" && strings.EqualFold(m.InvitedEmail, userEmail) {
				bound, err := s.store.BindInviteMembership(ctx, project.ID, userEmail, userID)
				if err != nil {
					return "", err
				}
				if bound {
					if !m.Authorized {
						return "", errAccessDenied
					}
					return rbac.Normalize(m.Role), nil
				}
			}
		}
	}

	return "", errAccessDenied
}

// Authorize loads the project and checks the session's role against the
// lowest role in the requirement set. Higher roles satisfy lower ones.
func (s *Service) Authorize(ctx context.Context, projectID string, sess Session, required ...rbac.Role) (store.Project, rbac.Role, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, "", domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	if err != nil {
		return store.Project{}, "", err
	}

	if sess.UserID == "" {
		return store.Project{}, "", domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required", nil)
	}

	role, err := s.ResolveRole(ctx, project, sess.UserID, sess.Email)
	if err != nil {
		return store.Project{}, "", err
	}
	if !rbac.SatisfiesAny(role, required...) {
		return store.Project{}, "", domainError(http.StatusForbidden, "FORBIDDEN", "Insufficient role for this operation", map[string]any{
			"required": lowestRole(required),
			"actual":   string(role),
		})
	}
	return project, role, nil
}

func lowestRole(required []rbac.Role) string {
	if len(required) == 0 {
		return ""
	}
	min := required[0]
	for _, r := range required[1:] {
		if rbac.Rank(r) < rbac.Rank(min) {
			min = r
		}
	}
	return string(min)
}

// MemberView is one row of the member list, joined against user records.
type MemberView struct {
	UserID       string     `json:"userId,omitempty"`
	Name         string     `json:"name,omitempty"`
	Email        string     `json:"email,omitempty"`
	InvitedEmail string     `json:"invitedEmail,omitempty"`
	Role         string     `json:"role"`
	Authorized   bool       `json:"authorized"`
	Pending      bool       `json:"pending"`
	IsOwner      bool       `json:"isOwner"`
	JoinedAt     *time.Time `json:"joinedAt,omitempty"`
}

func (s *Service) ListMembers(ctx context.Context, projectID string, sess Session) ([]MemberView, error) {
	project, _, err := s.Authorize(ctx, projectID, sess, rbac.RoleViewer)
	if err != nil {
		return nil, err
	}

	grant, err := s.store.GetAccessGrant(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return []MemberView{}, nil
	}
	if err != nil {
		return nil, err
	}

	members := make([]MemberView, 0, len(grant.Memberships))
	for _, m := range grant.Memberships {
		view := MemberView{
			UserID:       m.UserID,
			InvitedEmail: m.InvitedEmail,
			Role:         string(rbac.Normalize(m.Role)),
			Authorized:   m.Authorized,
			Pending:      m.UserID == "",
			IsOwner:      m.UserID != "" && m.UserID == project.OwnerID,
			JoinedAt:     m.JoinedAt,
		}
		if m.UserID != "" {
			if user, err := s.store.GetUserByID(ctx, m.UserID); err == nil {
				view.Name = user.DisplayName
				view.Email = user.Email
			}
		}
		members = append(members, view)
	}
	return members, nil
}

// GrantRole adds or changes a member's role. Admins have full control short
// of the owner; editors may invite and adjust non-admin members but cannot
// touch their own role, promote anyone to admin, or modify an admin.
func (s *Service) GrantRole(ctx context.Context, projectID string, actor Session, input GrantRoleInput) (MemberView, error) {
	project, actorRole, err := s.Authorize(ctx, projectID, actor, rbac.RoleEditor)
	if err != nil {
		return MemberView{}, err
	}

	role := rbac.Normalize(input.Role)
	if input.Role != "" && !rbac.Valid(string(role)) {
		return MemberView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown role", nil)
	}

	targetID := strings.TrimSpace(input.UserID)
	targetEmail := strings.ToLower(strings.TrimSpace(input.Email))
	if targetID == "" && targetEmail == "" {
		return MemberView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId or email is required", nil)
	}

	// Resolve an email invite to an existing account when one exists, so
	// the membership binds immediately instead of waiting for sign-in.
	var targetUser store.User
	if targetID == "" {
		if user, err := s.store.GetUserByEmail(ctx, targetEmail); err == nil {
			targetID = user.ID
			targetUser = user
		} else if !errors.Is(err, sql.ErrNoRows) {
			return MemberView{}, err
		}
	} else {
		user, err := s.store.GetUserByID(ctx, targetID)
		if errors.Is(err, sql.ErrNoRows) {
			return MemberView{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		if err != nil {
			return MemberView{}, err
		}
		targetUser = user
	}

	if targetID == project.OwnerID {
		return MemberView{}, domainError(http.StatusForbidden, "FORBIDDEN", "The project owner's role cannot be changed", nil)
	}
	if actorRole == rbac.RoleEditor {
		if targetID == actor.UserID {
			return MemberView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Editors cannot change their own role", nil)
		}
		if role == rbac.RoleAdmin {
			return MemberView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Editors cannot promote members to admin", nil)
		}
		if current, err := s.targetRole(ctx, projectID, targetID, targetEmail); err == nil && current == rbac.RoleAdmin {
			return MemberView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Editors cannot modify an admin's role", nil)
		}
	}

	now := time.Now()
	membership := store.Membership{
		UserID:       targetID,
		InvitedEmail: targetEmail,
		Role:         string(role),
		Authorized:   true,
		Visible:      true,
	}
	if targetID != "" {
		membership.JoinedAt = &now
	}
	if err := s.store.UpsertMembership(ctx, projectID, membership); err != nil {
		return MemberView{}, err
	}

	s.hub.Broadcast(projectID, "access:updated", map[string]any{
		"userId": targetID,
		"email":  targetEmail,
		"role":   string(role),
	})

	// Invite email delivery is best-effort: the grant already succeeded.
	if targetEmail != "" && targetID == "" && s.SMTPConfigured() {
		joinURL := fmt.Sprintf("%s/projects/%s", s.cfg.PublicBaseURL, projectID)
		if err := s.email.SendInviteEmail(targetEmail, actor.UserName, project.Name, string(role), joinURL); err != nil {
			log.Printf("send invite email to %s failed: %v", targetEmail, err)
		}
	}

	view := MemberView{
		UserID:       targetID,
		InvitedEmail: targetEmail,
		Role:         string(role),
		Authorized:   true,
		Pending:      targetID == "",
		JoinedAt:     membership.JoinedAt,
	}
	if targetUser.ID != "" {
		view.Name = targetUser.DisplayName
		view.Email = targetUser.Email
	}
	return view, nil
}

// RevokeMember removes a member. The owner can never be revoked; editors
// cannot revoke themselves (leave instead) or an admin.
func (s *Service) RevokeMember(ctx context.Context, projectID string, actor Session, targetUserID string) error {
	project, actorRole, err := s.Authorize(ctx, projectID, actor, rbac.RoleEditor)
	if err != nil {
		return err
	}

	if targetUserID == project.OwnerID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "The project owner cannot be removed", nil)
	}
	if actorRole == rbac.RoleEditor {
		if targetUserID == actor.UserID {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Use leave to remove yourself from a project", nil)
		}
		if current, err := s.memberRole(ctx, projectID, targetUserID); err == nil && current == rbac.RoleAdmin {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Editors cannot remove an admin", nil)
		}
	}

	if err := s.store.DeleteMembership(ctx, projectID, targetUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
		}
		return err
	}

	s.hub.Broadcast(projectID, "user:removed", map[string]any{
		"userId":      targetUserID,
		"removerName": actor.UserName,
	})
	return nil
}

// LeaveProject removes the caller's own membership. The owner cannot leave.
func (s *Service) LeaveProject(ctx context.Context, projectID string, actor Session) error {
	project, _, err := s.Authorize(ctx, projectID, actor, rbac.RoleViewer)
	if err != nil {
		return err
	}
	if actor.UserID == project.OwnerID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "The project owner cannot leave; delete the project instead", nil)
	}

	if err := s.store.DeleteMembership(ctx, projectID, actor.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
		}
		return err
	}

	s.hub.Broadcast(projectID, "user:removed", map[string]any{
		"userId":      actor.UserID,
		"removerName": actor.UserName,
	})
	return nil
}

func (s *Service) memberRole(ctx context.Context, projectID, userID string) (rbac.Role, error) {
	return s.targetRole(ctx, projectID, userID, "")
}

// targetRole resolves a grant target's current role whether it is bound to
// a user id or still a pending email invite.
func (s *Service) targetRole(ctx context.Context, projectID, userID, email string) (rbac.Role, error) {
	grant, err := s.store.GetAccessGrant(ctx, projectID)
	if err != nil {
		return "", err
	}
	for _, m := range grant.Memberships {
		if userID != "" && m.UserID == userID {
			return rbac.Normalize(m.Role), nil
		}
		if m.UserID == "" && email != "" && strings.EqualFold(m.InvitedEmail, email) {
			return rbac.Normalize(m.Role), nil
		}
	}
	return "", sql.ErrNoRows
}
