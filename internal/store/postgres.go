package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, color, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Color, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userQuery+` WHERE id = $1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userQuery+` WHERE email = LOWER($1)`, email))
}

const userQuery = `
	SELECT id, display_name, email, password_hash, color, is_email_verified, created_at, updated_at
	FROM users`

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash,
		&user.Color, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token = $2, verification_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_email_verified = TRUE, verification_token = '', updated_at = NOW()
		WHERE verification_token = $1 AND verification_token <> ''
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token = $1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at = NOW() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---------------------------------------------------------------------------
// Projects

// InsertProject creates the project, its access grant, and the owner's admin
// membership in one transaction.
func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	configJSON, err := marshalMap(project.Config)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, owner_id, config) VALUES ($1, $2, $3, $4)
	`, project.ID, project.Name, project.OwnerID, configJSON); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_access (project_id, created_by) VALUES ($1, $2)
	`, project.ID, project.OwnerID); err != nil {
		return fmt.Errorf("insert access grant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role, authorized, visible, joined_at)
		VALUES ($1, $2, 'admin', TRUE, TRUE, NOW())
	`, project.ID, project.OwnerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	var configJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, config, created_at, updated_at
		FROM projects WHERE id = $1 AND deleted = FALSE
	`, projectID).Scan(&project.ID, &project.Name, &project.OwnerID, &configJSON, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	if err := unmarshalMap(configJSON, &project.Config); err != nil {
		return Project{}, fmt.Errorf("decode project config: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.id, p.name, p.owner_id, p.config, p.created_at, p.updated_at
		FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id AND m.user_id = $1 AND m.authorized
		WHERE p.deleted = FALSE AND (p.owner_id = $1 OR m.user_id IS NOT NULL)
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var project Project
		var configJSON []byte
		if err := rows.Scan(&project.ID, &project.Name, &project.OwnerID, &configJSON, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if err := unmarshalMap(configJSON, &project.Config); err != nil {
			return nil, fmt.Errorf("decode project config: %w", err)
		}
		items = append(items, project)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateProjectConfig(ctx context.Context, projectID string, config map[string]any) error {
	configJSON, err := marshalMap(config)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET config = $2, updated_at = NOW() WHERE id = $1 AND deleted = FALSE
	`, projectID, configJSON)
	if err != nil {
		return fmt.Errorf("update project config: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SoftDeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET deleted = TRUE, updated_at = NOW() WHERE id = $1
	`, projectID)
	if err != nil {
		return fmt.Errorf("soft delete project: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteAccessGrant(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE project_access SET deleted = TRUE WHERE project_id = $1
	`, projectID)
	if err != nil {
		return fmt.Errorf("soft delete access grant: %w", err)
	}
	return nil
}

// PurgeProjectEntities hard-deletes all graph entities and history for a
// project. Unlike entity-level deletes this is physical: project deletion
// removes the history that made soft-delete necessary.
func (s *PostgresStore) PurgeProjectEntities(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"nodes", "edges", "comments", "history"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE project_id = $1`, table), projectID); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Access grants and memberships

func (s *PostgresStore) GetAccessGrant(ctx context.Context, projectID string) (AccessGrant, error) {
	var grant AccessGrant
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, created_by FROM project_access WHERE project_id = $1 AND deleted = FALSE
	`, projectID).Scan(&grant.ProjectID, &grant.CreatedBy)
	if err != nil {
		return AccessGrant{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(user_id, ''), COALESCE(invited_email, ''), role, authorized, visible, joined_at
		FROM project_members WHERE project_id = $1
		ORDER BY id
	`, projectID)
	if err != nil {
		return AccessGrant{}, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.InvitedEmail, &m.Role, &m.Authorized, &m.Visible, &m.JoinedAt); err != nil {
			return AccessGrant{}, fmt.Errorf("scan membership: %w", err)
		}
		grant.Memberships = append(grant.Memberships, m)
	}
	return grant, rows.Err()
}

// UpsertMembership inserts or updates a membership. Bound members are keyed
// by user id, pending invites by invited email: at most one row per user
// per project either way.
func (s *PostgresStore) UpsertMembership(ctx context.Context, projectID string, m Membership) error {
	if m.UserID != "" {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id, invited_email, role, authorized, visible, joined_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
			ON CONFLICT (project_id, user_id)
			DO UPDATE SET role = EXCLUDED.role, authorized = EXCLUDED.authorized
		`, projectID, m.UserID, m.InvitedEmail, m.Role, m.Authorized, m.Visible, m.JoinedAt)
		if err != nil {
			return fmt.Errorf("upsert membership: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, invited_email, role, authorized, visible)
		VALUES ($1, LOWER($2), $3, $4, $5)
		ON CONFLICT (project_id, invited_email) WHERE user_id IS NULL
		DO UPDATE SET role = EXCLUDED.role, authorized = EXCLUDED.authorized
	`, projectID, m.InvitedEmail, m.Role, m.Authorized, m.Visible)
	if err != nil {
		return fmt.Errorf("upsert invite membership: %w", err)
	}
	return nil
}

// BindInviteMembership attaches a pending invite to a registered user.
// Returns false when no pending invite matches the email; a second call for
// the same user is a no-op because the row no longer has a NULL user_id.
func (s *PostgresStore) BindInviteMembership(ctx context.Context, projectID, email, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_members SET user_id = $3, joined_at = NOW()
		WHERE project_id = $1 AND invited_email = LOWER($2) AND user_id IS NULL
			AND NOT EXISTS (
				SELECT 1 FROM project_members
				WHERE project_id = $1 AND user_id = $3
			)
	`, projectID, email, userID)
	if err != nil {
		return false, fmt.Errorf("bind invite membership: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, projectID, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_members SET role = $3 WHERE project_id = $1 AND user_id = $2
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("update membership role: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, projectID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id = $1 AND user_id = $2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SetMembershipVisibility(ctx context.Context, projectID, userID string, visible bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE project_members SET visible = $3 WHERE project_id = $1 AND user_id = $2
	`, projectID, userID, visible)
	if err != nil {
		return fmt.Errorf("set membership visibility: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Nodes

func (s *PostgresStore) GetNode(ctx context.Context, projectID, nodeID string) (Node, error) {
	var node Node
	var dataJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, project_id, x, y, data, created_by, updated_by, created_at, updated_at
		FROM nodes WHERE project_id = $1 AND node_id = $2 AND deleted = FALSE
	`, projectID, nodeID).Scan(&node.ID, &node.ProjectID, &node.X, &node.Y, &dataJSON,
		&node.CreatedBy, &node.UpdatedBy, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return Node{}, err
	}
	if err := unmarshalMap(dataJSON, &node.Data); err != nil {
		return Node{}, fmt.Errorf("decode node data: %w", err)
	}
	return node, nil
}

// UpsertNode writes the node keyed by (project, client id), clearing any
// soft-delete flag. Used by create, update, bulk sync, and revert alike.
func (s *PostgresStore) UpsertNode(ctx context.Context, node Node) error {
	dataJSON, err := marshalMap(node.Data)
	if err != nil {
		return fmt.Errorf("marshal node data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (project_id, node_id, x, y, data, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, node_id)
		DO UPDATE SET x = EXCLUDED.x, y = EXCLUDED.y, data = EXCLUDED.data,
			updated_by = EXCLUDED.updated_by, deleted = FALSE, updated_at = NOW()
	`, node.ProjectID, node.ID, node.X, node.Y, dataJSON, node.CreatedBy, node.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteNode(ctx context.Context, projectID, nodeID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET deleted = TRUE, updated_at = NOW()
		WHERE project_id = $1 AND node_id = $2 AND deleted = FALSE
	`, projectID, nodeID)
	if err != nil {
		return false, fmt.Errorf("soft delete node: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ListEdgesTouching returns live edges whose source or target is the node.
func (s *PostgresStore) ListEdgesTouching(ctx context.Context, projectID, nodeID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, edgeQuery+`
		WHERE project_id = $1 AND deleted = FALSE AND (source_id = $2 OR target_id = $2)
	`, projectID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list edges touching node: %w", err)
	}
	return scanEdges(rows)
}

// ---------------------------------------------------------------------------
// Edges

const edgeQuery = `
	SELECT edge_id, project_id, source_id, target_id, label, data, created_by, created_at, updated_at
	FROM edges`

func (s *PostgresStore) GetEdge(ctx context.Context, projectID, edgeID string) (Edge, error) {
	row := s.db.QueryRowContext(ctx, edgeQuery+`
		WHERE project_id = $1 AND edge_id = $2 AND deleted = FALSE
	`, projectID, edgeID)

	var edge Edge
	var dataJSON []byte
	err := row.Scan(&edge.ID, &edge.ProjectID, &edge.Source, &edge.Target, &edge.Label,
		&dataJSON, &edge.CreatedBy, &edge.CreatedAt, &edge.UpdatedAt)
	if err != nil {
		return Edge{}, err
	}
	if err := unmarshalMap(dataJSON, &edge.Data); err != nil {
		return Edge{}, fmt.Errorf("decode edge data: %w", err)
	}
	return edge, nil
}

func (s *PostgresStore) UpsertEdge(ctx context.Context, edge Edge) error {
	dataJSON, err := marshalMap(edge.Data)
	if err != nil {
		return fmt.Errorf("marshal edge data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edges (project_id, edge_id, source_id, target_id, label, data, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, edge_id)
		DO UPDATE SET source_id = EXCLUDED.source_id, target_id = EXCLUDED.target_id,
			label = EXCLUDED.label, data = EXCLUDED.data, deleted = FALSE, updated_at = NOW()
	`, edge.ProjectID, edge.ID, edge.Source, edge.Target, edge.Label, dataJSON, edge.CreatedBy)
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteEdge(ctx context.Context, projectID, edgeID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE edges SET deleted = TRUE, updated_at = NOW()
		WHERE project_id = $1 AND edge_id = $2 AND deleted = FALSE
	`, projectID, edgeID)
	if err != nil {
		return false, fmt.Errorf("soft delete edge: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func scanEdges(rows *sql.Rows) ([]Edge, error) {
	defer rows.Close()
	items := make([]Edge, 0)
	for rows.Next() {
		var edge Edge
		var dataJSON []byte
		if err := rows.Scan(&edge.ID, &edge.ProjectID, &edge.Source, &edge.Target, &edge.Label,
			&dataJSON, &edge.CreatedBy, &edge.CreatedAt, &edge.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if err := unmarshalMap(dataJSON, &edge.Data); err != nil {
			return nil, fmt.Errorf("decode edge data: %w", err)
		}
		items = append(items, edge)
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// Comments

func (s *PostgresStore) GetComment(ctx context.Context, projectID, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT comment_id, project_id, x, y, body, COALESCE(node_id, ''), author_id, author_name, created_at, updated_at
		FROM comments WHERE project_id = $1 AND comment_id = $2 AND deleted = FALSE
	`, projectID, commentID).Scan(&comment.ID, &comment.ProjectID, &comment.X, &comment.Y,
		&comment.Text, &comment.NodeID, &comment.AuthorID, &comment.AuthorName,
		&comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (s *PostgresStore) UpsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (project_id, comment_id, x, y, body, node_id, author_id, author_name)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (project_id, comment_id)
		DO UPDATE SET x = EXCLUDED.x, y = EXCLUDED.y, body = EXCLUDED.body,
			node_id = EXCLUDED.node_id, deleted = FALSE, updated_at = NOW()
	`, comment.ProjectID, comment.ID, comment.X, comment.Y, comment.Text,
		comment.NodeID, comment.AuthorID, comment.AuthorName)
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteComment(ctx context.Context, projectID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET deleted = TRUE, updated_at = NOW()
		WHERE project_id = $1 AND comment_id = $2 AND deleted = FALSE
	`, projectID, commentID)
	if err != nil {
		return false, fmt.Errorf("soft delete comment: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ---------------------------------------------------------------------------
// Graph queries

func (s *PostgresStore) ListGraph(ctx context.Context, projectID string) (Graph, error) {
	graph := Graph{Nodes: []Node{}, Edges: []Edge{}, Comments: []Comment{}}

	nodeRows, err := s.db.QueryContext(ctx, `
		SELECT node_id, project_id, x, y, data, created_by, updated_by, created_at, updated_at
		FROM nodes WHERE project_id = $1 AND deleted = FALSE ORDER BY id
	`, projectID)
	if err != nil {
		return Graph{}, fmt.Errorf("list nodes: %w", err)
	}
	for nodeRows.Next() {
		var node Node
		var dataJSON []byte
		if err := nodeRows.Scan(&node.ID, &node.ProjectID, &node.X, &node.Y, &dataJSON,
			&node.CreatedBy, &node.UpdatedBy, &node.CreatedAt, &node.UpdatedAt); err != nil {
			nodeRows.Close()
			return Graph{}, fmt.Errorf("scan node: %w", err)
		}
		if err := unmarshalMap(dataJSON, &node.Data); err != nil {
			nodeRows.Close()
			return Graph{}, fmt.Errorf("decode node data: %w", err)
		}
		graph.Nodes = append(graph.Nodes, node)
	}
	nodeRows.Close()
	if err := nodeRows.Err(); err != nil {
		return Graph{}, err
	}

	edgeRows, err := s.db.QueryContext(ctx, edgeQuery+`
		WHERE project_id = $1 AND deleted = FALSE ORDER BY id
	`, projectID)
	if err != nil {
		return Graph{}, fmt.Errorf("list edges: %w", err)
	}
	edges, err := scanEdges(edgeRows)
	if err != nil {
		return Graph{}, err
	}
	graph.Edges = edges

	commentRows, err := s.db.QueryContext(ctx, `
		SELECT comment_id, project_id, x, y, body, COALESCE(node_id, ''), author_id, author_name, created_at, updated_at
		FROM comments WHERE project_id = $1 AND deleted = FALSE ORDER BY id
	`, projectID)
	if err != nil {
		return Graph{}, fmt.Errorf("list comments: %w", err)
	}
	defer commentRows.Close()
	for commentRows.Next() {
		var comment Comment
		if err := commentRows.Scan(&comment.ID, &comment.ProjectID, &comment.X, &comment.Y,
			&comment.Text, &comment.NodeID, &comment.AuthorID, &comment.AuthorName,
			&comment.CreatedAt, &comment.UpdatedAt); err != nil {
			return Graph{}, fmt.Errorf("scan comment: %w", err)
		}
		graph.Comments = append(graph.Comments, comment)
	}
	return graph, commentRows.Err()
}

// SoftDeleteAllEntities marks every node, edge, and comment in the project
// deleted. Used by room clear and by bulk sync in replace mode.
func (s *PostgresStore) SoftDeleteAllEntities(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"nodes", "edges", "comments"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET deleted = TRUE, updated_at = NOW() WHERE project_id = $1 AND deleted = FALSE
		`, table), projectID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// History

func (s *PostgresStore) InsertHistoryEntry(ctx context.Context, entry HistoryEntry) error {
	var prev any
	if len(entry.PreviousState) > 0 {
		prev = []byte(entry.PreviousState)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, project_id, action, details, author_name, entity_type, entity_id, previous_state, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
	`, entry.ID, entry.ProjectID, entry.Action, entry.Details, entry.AuthorName,
		entry.EntityType, entry.EntityID, prev, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, projectID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, action, details, author_name, COALESCE(entity_type, ''), COALESCE(entity_id, ''), previous_state, created_at
		FROM history WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]HistoryEntry, 0)
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetHistoryEntry(ctx context.Context, projectID, entryID string) (HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, action, details, author_name, COALESCE(entity_type, ''), COALESCE(entity_id, ''), previous_state, created_at
		FROM history WHERE project_id = $1 AND id = $2
	`, projectID, entryID)

	var entry HistoryEntry
	var prev []byte
	err := row.Scan(&entry.ID, &entry.ProjectID, &entry.Action, &entry.Details, &entry.AuthorName,
		&entry.EntityType, &entry.EntityID, &prev, &entry.CreatedAt)
	if err != nil {
		return HistoryEntry{}, err
	}
	if len(prev) > 0 {
		entry.PreviousState = json.RawMessage(prev)
	}
	return entry, nil
}

func (s *PostgresStore) ClearHistory(ctx context.Context, projectID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func scanHistoryEntry(rows *sql.Rows) (HistoryEntry, error) {
	var entry HistoryEntry
	var prev []byte
	err := rows.Scan(&entry.ID, &entry.ProjectID, &entry.Action, &entry.Details, &entry.AuthorName,
		&entry.EntityType, &entry.EntityID, &prev, &entry.CreatedAt)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("scan history entry: %w", err)
	}
	if len(prev) > 0 {
		entry.PreviousState = json.RawMessage(prev)
	}
	return entry, nil
}

// ---------------------------------------------------------------------------
// JSONB helpers

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte, target *map[string]any) error {
	if len(data) == 0 {
		*target = map[string]any{}
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return err
	}
	if *target == nil {
		*target = map[string]any{}
	}
	return nil
}
