package agentlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Agentline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Status         string   `json:"status"`
	Priority       string   `json:"priority"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	ApprovalStatus string   `json:"approval_status"`
	BlockedReason  *string  `json:"blocked_reason,omitempty"`
}

// Session represents one running agent instance.
type Session struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Purpose   string `json:"purpose"`
	Token     string `json:"token,omitempty"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"`
}

// WorkStatus is the spawn decision for an agent.
type WorkStatus struct {
	HasWork       bool  `json:"has_work"`
	ShouldSpawn   bool  `json:"should_spawn"`
	ActiveSession bool  `json:"active_session"`
	SpawnInFlight bool  `json:"spawn_in_flight"`
	Task          *Task `json:"task,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID            int64             `json:"id"`
	TS            string            `json:"ts"`
	EventType     string            `json:"event_type"`
	EntityKind    string            `json:"entity_kind"`
	EntityID      string            `json:"entity_id"`
	ProjectID     string            `json:"project_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	PreviousState string            `json:"previous_state,omitempty"`
	NewState      string            `json:"new_state,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, title, assigneeID string) (Task, error) {
	body := map[string]any{"title": title}
	if assigneeID != "" {
		body["assignee_id"] = assigneeID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// UpdateTaskStatus moves a task through the state machine.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, reason string) (Task, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/status", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// RequestTask asks the server to create a delegated task for an assignee.
func (c *Client) RequestTask(ctx context.Context, assigneeID, title string) (Task, error) {
	body := map[string]any{
		"assignee_id": assigneeID,
		"title":       title,
	}
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tasks/request", body, &resp)
	return resp.Task, err
}

// StartSession opens a session for an agent in the client's project.
func (c *Client) StartSession(ctx context.Context, agentID, purpose string) (Session, error) {
	body := map[string]any{
		"agent_id":   agentID,
		"project_id": c.ProjectID,
		"purpose":    purpose,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// EndSession closes a session.
func (c *Client) EndSession(ctx context.Context, sessionID, status string) (Session, error) {
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/end", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// WorkStatus reports whether an agent has work and should be spawned.
func (c *Client) WorkStatus(ctx context.Context, agentID, purpose string) (WorkStatus, error) {
	endpoint := fmt.Sprintf("v0/agents/%s/work?project_id=%s&purpose=%s",
		url.PathEscape(agentID), url.QueryEscape(c.ProjectID), url.QueryEscape(purpose))
	var resp WorkStatus
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SendMessage sends a chat message to another agent.
func (c *Client) SendMessage(ctx context.Context, toAgentID, body string) error {
	payload := map[string]any{
		"to_agent_id": toAgentID,
		"project_id":  c.ProjectID,
		"body":        body,
	}
	return c.do(ctx, http.MethodPost, "v0/messages", payload, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	endpoint := fmt.Sprintf("v0/events?project_id=%s", url.QueryEscape(c.ProjectID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	if cursor > 0 {
		endpoint = fmt.Sprintf("%s&cursor=%d", endpoint, cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
