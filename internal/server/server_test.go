package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	if _, err := e.CreateProject(context.Background(), "proj-1", "Test project", "root"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyAgentHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actorHeader = map[string]string{"X-Agent-Id": "root"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header auth failed: %d", res.StatusCode)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title": "Ship feature",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != engine.StatusBacklog {
		t.Fatalf("new task status %s, want backlog", created.Status)
	}

	for _, status := range []string{"todo", "in_progress", "in_review", "done"} {
		res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+created.ID+"/status", map[string]any{
			"status": status,
		}, actorHeader)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set status %s: %d %s", status, res.StatusCode, string(data))
		}
	}
	var done domain.Task
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != engine.StatusDone || done.CompletedAt == nil {
		t.Fatalf("expected completed task, got %+v", done)
	}

	// done is terminal; the envelope carries a machine-readable code
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+created.ID+"/status", map[string]any{
		"status": "todo",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %s, want invalid_transition", envelope.Error.Code)
	}
}

func TestHierarchyOverlayOnStatusChange(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, agent := range []map[string]any{
		{"id": "root", "name": "root", "type": "human"},
		{"id": "worker", "name": "worker", "type": "ai", "parent_agent_id": "root"},
		{"id": "outsider", "name": "outsider", "type": "ai"},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", agent, actorHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create agent: %d %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title":       "Guarded",
		"assignee_id": "worker",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created domain.Task
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+created.ID+"/status", map[string]any{
		"status": "todo",
	}, map[string]string{"X-Agent-Id": "outsider"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unrelated actor, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+created.ID+"/status", map[string]any{
		"status": "todo",
	}, map[string]string{"X-Agent-Id": "worker"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assignee transition failed: %d %s", res.StatusCode, string(data))
	}
}

func TestSessionConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"id": "worker", "name": "worker", "type": "ai",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: %d %s", res.StatusCode, string(data))
	}
	body := map[string]any{"agent_id": "worker", "project_id": "proj-1", "purpose": "task"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", body, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", body, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate session, got %d %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "session_active" {
		t.Fatalf("error code = %s, want session_active", envelope.Error.Code)
	}
}

func TestAuditRuleFiresOnCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"name": "Review",
		"tasks": []map[string]any{
			{"title": "Inspect result", "order": 1},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tpl domain.WorkflowTemplate
	_ = json.Unmarshal(data, &tpl)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/audits", map[string]any{
		"name": "Release checks",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create audit: %d %s", res.StatusCode, string(data))
	}
	var audit domain.InternalAudit
	_ = json.Unmarshal(data, &audit)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/audits/"+audit.ID+"/rules", map[string]any{
		"trigger_type": "task_completed",
		"template_id":  tpl.ID,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title": "Ship release",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var source domain.Task
	_ = json.Unmarshal(data, &source)

	for _, status := range []string{"todo", "in_progress", "in_review", "done"} {
		res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+source.ID+"/status", map[string]any{
			"status": status,
		}, actorHeader)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set status %s: %d %s", status, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/tasks", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	var generated int
	for _, task := range tasks {
		if task.ID != source.ID && task.Title == "Inspect result [Audit: Ship release]" {
			generated++
		}
	}
	if generated != 1 {
		t.Fatalf("expected one generated audit task, found %d in %v", generated, tasks)
	}
}
