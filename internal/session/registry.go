// Package session provides the Redis-backed presence registry and the
// refresh-token store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is one live transport connection's identity within a project.
// Logically ephemeral: the TTL reaps sessions whose connection vanished
// without a clean disconnect; live connections keep refreshing it.
type Session struct {
	ConnID    string    `json:"connId"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId,omitempty"` // empty = guest
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Visible   bool      `json:"visible"`
	JoinedAt  time.Time `json:"joinedAt"`
}

var ErrSessionNotFound = errors.New("session not found")

// Registry maps connection ids to sessions and project ids to rooms.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Registry{client: client, ttl: ttl}
}

func sessionKey(connID string) string { return "sess:" + connID }
func roomKey(projectID string) string { return "room:" + projectID }

// Put stores the session and enforces at most one live session per
// (project, user): any prior session for the same user in the same project
// is removed first, and its connection ids are returned so the gateway can
// close the stale connections. Last connection wins.
func (r *Registry) Put(ctx context.Context, sess Session) ([]string, error) {
	var superseded []string
	if sess.UserID != "" {
		existing, err := r.ListByProject(ctx, sess.ProjectID)
		if err != nil {
			return nil, err
		}
		for _, other := range existing {
			if other.UserID == sess.UserID && other.ConnID != sess.ConnID {
				if err := r.Remove(ctx, other.ConnID); err != nil {
					return nil, err
				}
				superseded = append(superseded, other.ConnID)
			}
		}
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(sess.ConnID), data, r.ttl).Err(); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if err := r.client.SAdd(ctx, roomKey(sess.ProjectID), sess.ConnID).Err(); err != nil {
		return nil, fmt.Errorf("add to room: %w", err)
	}
	return superseded, nil
}

func (r *Registry) Get(ctx context.Context, connID string) (Session, error) {
	data, err := r.client.Get(ctx, sessionKey(connID)).Result()
	if err == redis.Nil {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

// Remove deletes the session and its room membership. Removing a session
// that no longer exists is not an error.
func (r *Registry) Remove(ctx context.Context, connID string) error {
	sess, err := r.Get(ctx, connID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, sessionKey(connID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := r.client.SRem(ctx, roomKey(sess.ProjectID), connID).Err(); err != nil {
		return fmt.Errorf("remove from room: %w", err)
	}
	return nil
}

// ListByProject returns all live sessions in a project's room, pruning room
// members whose session key has expired.
func (r *Registry) ListByProject(ctx context.Context, projectID string) ([]Session, error) {
	connIDs, err := r.client.SMembers(ctx, roomKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}

	sessions := make([]Session, 0, len(connIDs))
	for _, connID := range connIDs {
		sess, err := r.Get(ctx, connID)
		if errors.Is(err, ErrSessionNotFound) {
			_ = r.client.SRem(ctx, roomKey(projectID), connID).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// SetVisibility flips the session's visibility flag in place. The session
// stays registered; an invisible user still counts as present.
func (r *Registry) SetVisibility(ctx context.Context, connID string, visible bool) (Session, error) {
	sess, err := r.Get(ctx, connID)
	if err != nil {
		return Session{}, err
	}
	sess.Visible = visible
	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(connID), data, redis.KeepTTL).Err(); err != nil {
		return Session{}, fmt.Errorf("update session: %w", err)
	}
	return sess, nil
}

// Touch extends the session TTL; called from the gateway's ping loop.
func (r *Registry) Touch(ctx context.Context, connID string) error {
	ok, err := r.client.Expire(ctx, sessionKey(connID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// RemoveByProject drops every session in the project's room. Used when a
// project is deleted.
func (r *Registry) RemoveByProject(ctx context.Context, projectID string) ([]string, error) {
	connIDs, err := r.client.SMembers(ctx, roomKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	for _, connID := range connIDs {
		if err := r.client.Del(ctx, sessionKey(connID)).Err(); err != nil {
			return nil, fmt.Errorf("delete session: %w", err)
		}
	}
	if err := r.client.Del(ctx, roomKey(projectID)).Err(); err != nil {
		return nil, fmt.Errorf("delete room: %w", err)
	}
	return connIDs, nil
}
