package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"graphroom/api/internal/ws"
)

func newTestHTTPServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	server := NewHTTPServer(env.service, ws.NewHub(), "*")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ts := newTestHTTPServer(t, env)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["ok"] != true {
		t.Errorf("body = %v, want ok true", body)
	}
}

func TestGraphRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t, "usr_owner", "proj_1")
	ts := newTestHTTPServer(t, env)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/projects/proj_1/graph", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}
}

func TestUnknownRouteNotFound(t *testing.T) {
	env := newTestEnv(t)
	ts := newTestHTTPServer(t, env)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/nope", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)
	ts := newTestHTTPServer(t, env)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

// A viewer is denied a node update, promoted to editor, and then succeeds;
// the successful update is broadcast into the project room.
func TestViewerPromotionScenario(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedProject(t, "usr_owner", "proj_1")
	viewer := env.addMember(t, "proj_1", "usr_b", "viewer")
	ts := newTestHTTPServer(t, env)

	ownerToken := issueTestToken(t, env, owner.UserID, owner.UserName)
	viewerToken := issueTestToken(t, env, viewer.UserID, viewer.UserName)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/projects/proj_1/nodes", ownerToken, NodeInput{
		ID: "n1", X: 1, Y: 2, Data: map[string]any{"label": "Router"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("owner add node status = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/projects/proj_1/nodes/n1", viewerToken, NodeInput{X: 9, Y: 9})
	var denied map[string]any
	status := resp.StatusCode
	decodeJSON(t, resp, &denied)
	if status != http.StatusForbidden {
		t.Fatalf("viewer update status = %d, want 403", status)
	}
	if denied["code"] != "FORBIDDEN" {
		t.Errorf("denied code = %v, want FORBIDDEN", denied["code"])
	}
	if details, ok := denied["details"].(map[string]any); !ok || details["actual"] != "viewer" {
		t.Errorf("denial details = %v, want actual viewer", denied["details"])
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/projects/proj_1/members", ownerToken, GrantRoleInput{
		UserID: viewer.UserID, Role: "editor",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("promote status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/projects/proj_1/nodes/n1", viewerToken, NodeInput{X: 9, Y: 9})
	var updated map[string]any
	status = resp.StatusCode
	decodeJSON(t, resp, &updated)
	if status != http.StatusOK {
		t.Fatalf("editor update status = %d, want 200", status)
	}
	if updated["x"] != float64(9) {
		t.Errorf("updated x = %v, want 9", updated["x"])
	}

	if env.hub.count("node:update") < 2 {
		t.Error("node updates should be broadcast to the project room")
	}
}

func TestMemberListAndLeaveOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedProject(t, "usr_owner", "proj_1")
	viewer := env.addMember(t, "proj_1", "usr_v", "viewer")
	ts := newTestHTTPServer(t, env)

	ownerToken := issueTestToken(t, env, owner.UserID, owner.UserName)
	viewerToken := issueTestToken(t, env, viewer.UserID, viewer.UserName)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/projects/proj_1/members", ownerToken, nil)
	var body struct {
		Members []MemberView `json:"members"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(body.Members))
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/projects/proj_1/leave", viewerToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/projects/proj_1/graph", viewerToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("graph status after leave = %d, want 403", resp.StatusCode)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedProject(t, "usr_owner", "proj_1")
	ts := newTestHTTPServer(t, env)
	ownerToken := issueTestToken(t, env, owner.UserID, owner.UserName)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/projects/proj_1/nodes", ownerToken, NodeInput{ID: "n1"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/projects/proj_1/history", ownerToken, nil)
	var history struct {
		History []struct {
			ID     string `json:"id"`
			Action string `json:"action"`
		} `json:"history"`
	}
	decodeJSON(t, resp, &history)
	if len(history.History) != 1 || history.History[0].Action != "Add Node" {
		t.Fatalf("history = %+v, want one Add Node entry", history.History)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/projects/proj_1/history/"+history.History[0].ID+"/revert", ownerToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revert status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/projects/proj_1/graph", ownerToken, nil)
	var graph struct {
		Nodes []any `json:"nodes"`
	}
	decodeJSON(t, resp, &graph)
	if len(graph.Nodes) != 0 {
		t.Errorf("nodes after reverting Add = %d, want 0", len(graph.Nodes))
	}
}
