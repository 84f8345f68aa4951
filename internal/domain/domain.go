package domain

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type" enum:"human,ai"`
	HierarchyType    string  `json:"hierarchy_type,omitempty"`
	ParentAgentID    *string `json:"parent_agent_id,omitempty"`
	MaxParallelTasks int     `json:"max_parallel_tasks"`
	Status           string  `json:"status" enum:"active,inactive"`
	IsLocked         bool    `json:"is_locked"`
	LockedByAuditID  *string `json:"locked_by_audit_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                     string   `json:"id"`
	ProjectID              string   `json:"project_id"`
	Title                  string   `json:"title"`
	Description            string   `json:"description,omitempty"`
	Status                 string   `json:"status" enum:"backlog,todo,in_progress,in_review,blocked,done,cancelled"`
	Priority               string   `json:"priority" enum:"low,medium,high"`
	AssigneeID             *string  `json:"assignee_id,omitempty"`
	Dependencies           []string `json:"dependencies,omitempty"`
	ApprovalStatus         string   `json:"approval_status" enum:"none,pending_approval,approved,rejected"`
	RequesterID            *string  `json:"requester_id,omitempty"`
	StatusChangedByAgentID *string  `json:"status_changed_by_agent_id,omitempty"`
	StatusChangedAt        *string  `json:"status_changed_at,omitempty" format:"date-time"`
	BlockedReason          *string  `json:"blocked_reason,omitempty"`
	IsLocked               bool     `json:"is_locked"`
	LockedByAuditID        *string  `json:"locked_by_audit_id,omitempty"`
	EstimatedMinutes       *int     `json:"estimated_minutes,omitempty"`
	ActualMinutes          *int     `json:"actual_minutes,omitempty"`
	ApprovedAt             *string  `json:"approved_at,omitempty" format:"date-time"`
	CompletedAt            *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt              string   `json:"created_at" format:"date-time"`
	UpdatedAt              string   `json:"updated_at" format:"date-time"`
}

type Session struct {
	ID        string  `json:"id"`
	AgentID   string  `json:"agent_id"`
	ProjectID string  `json:"project_id"`
	Purpose   string  `json:"purpose" enum:"chat,task"`
	Token     string  `json:"token,omitempty"`
	Status    string  `json:"status" enum:"active,terminating,completed,abandoned"`
	ExpiresAt string  `json:"expires_at" format:"date-time"`
	StartedAt string  `json:"started_at" format:"date-time"`
	EndedAt   *string `json:"ended_at,omitempty" format:"date-time"`
}

// SpawnMarker records that an external process spawn is in flight for an
// agent before any session exists.
type SpawnMarker struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Purpose   string `json:"purpose" enum:"chat,task"`
	StartedAt string `json:"started_at" format:"date-time"`
}

type InternalAudit struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuditRule struct {
	ID            string `json:"id"`
	AuditID       string `json:"audit_id"`
	TriggerType   string `json:"trigger_type"`
	TriggerConfig string `json:"trigger_config,omitempty"`
	TemplateID    string `json:"template_id"`
	// TaskAssignments maps a template task order to the agent the generated
	// task is assigned to.
	TaskAssignments map[int]string `json:"task_assignments,omitempty"`
	IsEnabled       bool           `json:"is_enabled"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type WorkflowTemplate struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Variables []string `json:"variables,omitempty"`
	Status    string   `json:"status" enum:"active,archived"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type TemplateTask struct {
	ID                  string  `json:"id"`
	TemplateID          string  `json:"template_id"`
	Title               string  `json:"title"`
	Description         string  `json:"description,omitempty"`
	Order               int     `json:"order"`
	DependsOnOrders     []int   `json:"depends_on_orders,omitempty"`
	DefaultAssigneeRole *string `json:"default_assignee_role,omitempty"`
	DefaultPriority     string  `json:"default_priority" enum:"low,medium,high"`
	EstimatedMinutes    *int    `json:"estimated_minutes,omitempty"`
}

// Event is an append-only record of a state transition. Rows are never
// mutated or deleted.
type Event struct {
	ID            int64             `json:"id"`
	TS            string            `json:"ts" format:"date-time"`
	EventType     string            `json:"event_type"`
	EntityKind    string            `json:"entity_kind"`
	EntityID      string            `json:"entity_id"`
	ProjectID     string            `json:"project_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	PreviousState string            `json:"previous_state,omitempty"`
	NewState      string            `json:"new_state,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type Notification struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agent_id"`
	ProjectID   string  `json:"project_id"`
	Kind        string  `json:"kind" enum:"status_change,interrupt,message,approval_request"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeliveredAt *string `json:"delivered_at,omitempty" format:"date-time"`
}

type Message struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	FromAgentID string  `json:"from_agent_id"`
	ToAgentID   string  `json:"to_agent_id"`
	Body        string  `json:"body"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ReadAt      *string `json:"read_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
