package engine

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
)

// Audit trigger types.
const (
	TriggerTaskCompleted     = "task_completed"
	TriggerTaskStatusChanged = "task_status_changed"
)

func (e Engine) CreateAudit(ctx context.Context, id, name string) (domain.InternalAudit, error) {
	if name == "" {
		return domain.InternalAudit{}, validationf("name is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	a := domain.InternalAudit{
		ID:        id,
		Name:      name,
		Status:    "active",
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAudit(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "audit.created",
		EntityKind: "audit",
		EntityID:   a.ID,
		NewState:   a.Status,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) SetAuditStatus(ctx context.Context, auditID, status string) (domain.InternalAudit, error) {
	if status != "active" && status != "suspended" {
		return domain.InternalAudit{}, validationf("status must be active or suspended")
	}
	a, err := e.Repo.GetAudit(ctx, auditID)
	if err != nil {
		return a, err
	}
	prev := a.Status
	if prev == status {
		return a, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAuditStatus(ctx, tx, auditID, status); err != nil {
		return a, err
	}
	a.Status = status
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:     "audit.status_changed",
		EntityKind:    "audit",
		EntityID:      a.ID,
		PreviousState: prev,
		NewState:      status,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

type AuditRuleOptions struct {
	ID              string
	AuditID         string
	TriggerType     string
	TriggerConfig   string
	TemplateID      string
	TaskAssignments map[int]string
}

func (e Engine) AddAuditRule(ctx context.Context, opts AuditRuleOptions) (domain.AuditRule, error) {
	if opts.TriggerType != TriggerTaskCompleted && opts.TriggerType != TriggerTaskStatusChanged {
		return domain.AuditRule{}, validationf("unknown trigger type %s", opts.TriggerType)
	}
	if _, err := e.Repo.GetAudit(ctx, opts.AuditID); err != nil {
		return domain.AuditRule{}, err
	}
	tpl, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.AuditRule{}, err
	}
	if tpl.Status != "active" {
		return domain.AuditRule{}, validationf("template %s is %s", tpl.ID, tpl.Status)
	}
	for order, agentID := range opts.TaskAssignments {
		if agentID == "" {
			return domain.AuditRule{}, validationf("assignment for order %d has no agent", order)
		}
		if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
			return domain.AuditRule{}, err
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rule := domain.AuditRule{
		ID:              id,
		AuditID:         opts.AuditID,
		TriggerType:     opts.TriggerType,
		TriggerConfig:   opts.TriggerConfig,
		TemplateID:      opts.TemplateID,
		TaskAssignments: opts.TaskAssignments,
		IsEnabled:       true,
		CreatedAt:       e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAuditRule(ctx, tx, rule); err != nil {
		return rule, err
	}
	if err := tx.Commit(); err != nil {
		return rule, err
	}
	return rule, nil
}

func (e Engine) SetAuditRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAuditRuleEnabled(ctx, tx, ruleID, enabled); err != nil {
		return err
	}
	return tx.Commit()
}

// FiredRule reports one rule firing and the tasks it generated.
type FiredRule struct {
	RuleID    string   `json:"rule_id"`
	AuditID   string   `json:"audit_id"`
	TaskIDs   []string `json:"task_ids"`
	RuleError string   `json:"rule_error,omitempty"`
}

// CheckAuditTriggers fires every enabled rule of every active audit that
// matches the trigger type, against the task that caused the trigger.
// Firing is at-least-once: calling this twice for the same transition
// instantiates the graph twice. One rule's failure does not stop the rest.
func (e Engine) CheckAuditTriggers(ctx context.Context, triggerType string, sourceTask domain.Task) ([]FiredRule, error) {
	audits, err := e.Repo.ListAudits(ctx, "active")
	if err != nil {
		return nil, err
	}
	var fired []FiredRule
	for _, audit := range audits {
		rules, err := e.Repo.FindEnabledRules(ctx, audit.ID, triggerType)
		if err != nil {
			return fired, err
		}
		for _, rule := range rules {
			f := FiredRule{RuleID: rule.ID, AuditID: audit.ID}
			ids, err := e.fireRule(ctx, rule, sourceTask)
			if err != nil {
				f.RuleError = err.Error()
			}
			f.TaskIDs = ids
			fired = append(fired, f)
		}
	}
	return fired, nil
}

// FireAuditRule fires one rule by hand against a source task.
func (e Engine) FireAuditRule(ctx context.Context, ruleID string, sourceTask domain.Task) (FiredRule, error) {
	rule, err := e.Repo.GetAuditRule(ctx, ruleID)
	if err != nil {
		return FiredRule{}, err
	}
	ids, err := e.fireRule(ctx, rule, sourceTask)
	return FiredRule{RuleID: rule.ID, AuditID: rule.AuditID, TaskIDs: ids}, err
}

// fireRule instantiates the rule's template into the source task's project.
// Generated titles carry an audit marker naming the source task; assignees
// come from the rule's per-order assignments.
func (e Engine) fireRule(ctx context.Context, rule domain.AuditRule, sourceTask domain.Task) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ids, err := e.instantiateGraph(ctx, tx, instantiation{
		TemplateID: rule.TemplateID,
		ProjectID:  sourceTask.ProjectID,
		Decorate: func(tt domain.TemplateTask, t *domain.Task) {
			t.Title = tt.Title + " [Audit: " + sourceTask.Title + "]"
			if agentID, ok := rule.TaskAssignments[tt.Order]; ok {
				t.AssigneeID = &agentID
			}
		},
		EventMeta: map[string]string{
			"audit_id":       rule.AuditID,
			"rule_id":        rule.ID,
			"source_task_id": sourceTask.ID,
			"template_id":    rule.TemplateID,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "audit.rule_fired",
		EntityKind: "audit_rule",
		EntityID:   rule.ID,
		ProjectID:  sourceTask.ProjectID,
		Metadata: map[string]string{
			"audit_id":       rule.AuditID,
			"source_task_id": sourceTask.ID,
			"task_count":     strconv.Itoa(len(ids)),
		},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// --- workflow templates ---

type TemplateTaskSpec struct {
	Title               string
	Description         string
	Order               int
	DependsOnOrders     []int
	DefaultAssigneeRole string
	DefaultPriority     string
	EstimatedMinutes    int
}

// SaveTemplate persists a workflow template with its task graph.
// Dependencies must point at earlier orders: backward and self references
// are rejected here, at save time.
func (e Engine) SaveTemplate(ctx context.Context, id, name string, variables []string, tasks []TemplateTaskSpec) (domain.WorkflowTemplate, error) {
	if name == "" {
		return domain.WorkflowTemplate{}, validationf("name is required")
	}
	if len(tasks) == 0 {
		return domain.WorkflowTemplate{}, validationf("template needs at least one task")
	}
	seen := map[int]bool{}
	for _, tt := range tasks {
		if tt.Title == "" {
			return domain.WorkflowTemplate{}, validationf("template task at order %d has no title", tt.Order)
		}
		if seen[tt.Order] {
			return domain.WorkflowTemplate{}, validationf("duplicate template task order %d", tt.Order)
		}
		seen[tt.Order] = true
		for _, dep := range tt.DependsOnOrders {
			if dep >= tt.Order {
				return domain.WorkflowTemplate{}, validationf("task at order %d depends on order %d: dependencies must point backward", tt.Order, dep)
			}
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	tpl := domain.WorkflowTemplate{
		ID:        id,
		Name:      name,
		Variables: variables,
		Status:    "active",
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return tpl, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplate(ctx, tx, tpl); err != nil {
		return tpl, err
	}
	for _, tt := range tasks {
		priority := tt.DefaultPriority
		if priority == "" {
			priority = "medium"
		}
		row := domain.TemplateTask{
			ID:                  uuid.New().String(),
			TemplateID:          tpl.ID,
			Title:               tt.Title,
			Description:         tt.Description,
			Order:               tt.Order,
			DependsOnOrders:     tt.DependsOnOrders,
			DefaultAssigneeRole: optionalString(tt.DefaultAssigneeRole),
			DefaultPriority:     priority,
			EstimatedMinutes:    optionalInt(tt.EstimatedMinutes),
		}
		if err := e.Repo.InsertTemplateTask(ctx, tx, row); err != nil {
			return tpl, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "template.created",
		EntityKind: "template",
		EntityID:   tpl.ID,
		Metadata:   map[string]string{"task_count": strconv.Itoa(len(tasks))},
	}); err != nil {
		return tpl, err
	}
	if err := tx.Commit(); err != nil {
		return tpl, err
	}
	return tpl, nil
}

// InstantiateTemplate expands a template into real tasks by hand.
// {{variable}} placeholders in titles and descriptions are substituted and
// every generated task goes to the one given assignee.
func (e Engine) InstantiateTemplate(ctx context.Context, templateID, projectID, assigneeID string, variables map[string]string, actorID string) ([]string, error) {
	if _, err := e.activeProject(ctx, projectID); err != nil {
		return nil, err
	}
	var assignee *string
	if assigneeID != "" {
		if _, err := e.Repo.GetAgent(ctx, assigneeID); err != nil {
			return nil, err
		}
		assignee = &assigneeID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ids, err := e.instantiateGraph(ctx, tx, instantiation{
		TemplateID: templateID,
		ProjectID:  projectID,
		ActorID:    actorID,
		Decorate: func(tt domain.TemplateTask, t *domain.Task) {
			t.Title = substituteVariables(tt.Title, variables)
			t.Description = substituteVariables(tt.Description, variables)
			t.AssigneeID = assignee
		},
		EventMeta: map[string]string{"template_id": templateID},
	})
	if err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "template.instantiated",
		EntityKind: "template",
		EntityID:   templateID,
		ProjectID:  projectID,
		AgentID:    actorID,
		Metadata:   map[string]string{"task_count": strconv.Itoa(len(ids))},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

type instantiation struct {
	TemplateID string
	ProjectID  string
	ActorID    string
	Decorate   func(domain.TemplateTask, *domain.Task)
	EventMeta  map[string]string
}

// instantiateGraph turns a template's task rows into real backlog tasks,
// remapping order-level dependencies onto the new task IDs. Dependencies on
// unknown orders are skipped.
func (e Engine) instantiateGraph(ctx context.Context, tx *sql.Tx, in instantiation) ([]string, error) {
	tpl, err := e.Repo.GetTemplateTx(ctx, tx, in.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl.Status != "active" {
		return nil, validationf("template %s is %s", tpl.ID, tpl.Status)
	}
	rows, err := e.Repo.ListTemplateTasks(ctx, tx, tpl.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, validationf("template %s has no tasks", tpl.ID)
	}
	now := e.nowString()
	byOrder := make(map[int]string, len(rows))
	ids := make([]string, 0, len(rows))
	for _, tt := range rows {
		t := domain.Task{
			ID:               uuid.New().String(),
			ProjectID:        in.ProjectID,
			Title:            tt.Title,
			Description:      tt.Description,
			Status:           StatusBacklog,
			Priority:         tt.DefaultPriority,
			ApprovalStatus:   ApprovalNone,
			EstimatedMinutes: tt.EstimatedMinutes,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if in.Decorate != nil {
			in.Decorate(tt, &t)
		}
		var deps []string
		for _, depOrder := range tt.DependsOnOrders {
			if depID, ok := byOrder[depOrder]; ok {
				deps = append(deps, depID)
			}
		}
		if err := e.createTaskTx(ctx, tx, t, deps, in.ActorID, "", in.EventMeta); err != nil {
			return nil, err
		}
		byOrder[tt.Order] = t.ID
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// substituteVariables replaces {{name}} placeholders. Unknown placeholders
// stay as written.
func substituteVariables(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	for name, value := range vars {
		s = strings.ReplaceAll(s, "{{"+name+"}}", value)
	}
	return s
}
