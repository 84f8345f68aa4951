package server

import (
	"agentline/internal/domain"
	"agentline/internal/engine"
)

type CreateProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type CreateAgentRequest struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	Type             string `json:"type" enum:"human,ai"`
	HierarchyType    string `json:"hierarchy_type,omitempty"`
	ParentAgentID    string `json:"parent_agent_id,omitempty"`
	MaxParallelTasks int    `json:"max_parallel_tasks,omitempty"`
}

type CreateTaskRequest struct {
	ID               string   `json:"id,omitempty"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeID       string   `json:"assignee_id,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
}

type RequestTaskRequest struct {
	AssigneeID       string `json:"assignee_id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Priority         string `json:"priority,omitempty" enum:"low,medium,high"`
	EstimatedMinutes int    `json:"estimated_minutes,omitempty"`
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type ReassignTaskRequest struct {
	AssigneeID string `json:"assignee_id,omitempty"`
}

type RejectTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type LockRequest struct {
	AuditID string `json:"audit_id"`
}

type StartSessionRequest struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Purpose   string `json:"purpose" enum:"chat,task"`
}

type EndSessionRequest struct {
	Status string `json:"status,omitempty" enum:"completed,abandoned,terminating"`
}

type SpawnRequest struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Purpose   string `json:"purpose" enum:"chat,task"`
}

type SendMessageRequest struct {
	ToAgentID string `json:"to_agent_id"`
	ProjectID string `json:"project_id"`
	Body      string `json:"body"`
}

type CreateAuditRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type CreateAuditRuleRequest struct {
	TriggerType     string         `json:"trigger_type" enum:"task_completed,task_status_changed"`
	TriggerConfig   string         `json:"trigger_config,omitempty"`
	TemplateID      string         `json:"template_id"`
	TaskAssignments map[int]string `json:"task_assignments,omitempty"`
}

type TemplateTaskRequest struct {
	Title               string `json:"title"`
	Description         string `json:"description,omitempty"`
	Order               int    `json:"order"`
	DependsOnOrders     []int  `json:"depends_on_orders,omitempty"`
	DefaultAssigneeRole string `json:"default_assignee_role,omitempty"`
	DefaultPriority     string `json:"default_priority,omitempty" enum:"low,medium,high"`
	EstimatedMinutes    int    `json:"estimated_minutes,omitempty"`
}

type CreateTemplateRequest struct {
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name"`
	Variables []string              `json:"variables,omitempty"`
	Tasks     []TemplateTaskRequest `json:"tasks"`
}

type InstantiateTemplateRequest struct {
	ProjectID  string            `json:"project_id"`
	AssigneeID string            `json:"assignee_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

type TaskIDsResponse struct {
	TaskIDs []string `json:"task_ids"`
}

type FiredRulesResponse struct {
	Fired []engine.FiredRule `json:"fired"`
}

type MessagesResponse struct {
	Items []domain.Message `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}
