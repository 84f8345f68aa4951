package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/engine/hierarchy"
	"agentline/internal/events"
	"agentline/internal/repo"
)

// Engine hosts the orchestration use cases. Each use case wraps its
// read-validate-write sequence in one transaction and appends events after
// the state change, never before.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Hierarchy hierarchy.Service
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Hierarchy: hierarchy.Service{Repo: r},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// --- projects ---

func (e Engine) CreateProject(ctx context.Context, id, name, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, validationf("name is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:        id,
		Name:      name,
		Status:    "active",
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "project.created",
		EntityKind: "project",
		EntityID:   p.ID,
		ProjectID:  p.ID,
		AgentID:    actorID,
		NewState:   p.Status,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) ArchiveProject(ctx context.Context, id, actorID string) error {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == "archived" {
		return InvalidProjectStatusError{ProjectID: id, Status: p.Status}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectStatus(ctx, tx, id, "archived"); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:     "project.archived",
		EntityKind:    "project",
		EntityID:      id,
		ProjectID:     id,
		AgentID:       actorID,
		PreviousState: p.Status,
		NewState:      "archived",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// activeProject loads a project and rejects archived ones.
func (e Engine) activeProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	if p.Status != "active" {
		return p, InvalidProjectStatusError{ProjectID: id, Status: p.Status}
	}
	return p, nil
}

// --- agents ---

type AgentCreateOptions struct {
	ID               string
	Name             string
	Type             string
	HierarchyType    string
	ParentAgentID    string
	MaxParallelTasks int
	ActorID          string
}

func (e Engine) CreateAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	if opts.Name == "" {
		return domain.Agent{}, validationf("name is required")
	}
	if opts.Type != "human" && opts.Type != "ai" {
		return domain.Agent{}, validationf("type must be human or ai")
	}
	if opts.ParentAgentID != "" {
		if _, err := e.Repo.GetAgent(ctx, opts.ParentAgentID); err != nil {
			return domain.Agent{}, err
		}
	}
	if opts.MaxParallelTasks <= 0 {
		opts.MaxParallelTasks = 1
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	a := domain.Agent{
		ID:               id,
		Name:             opts.Name,
		Type:             opts.Type,
		HierarchyType:    opts.HierarchyType,
		ParentAgentID:    optionalString(opts.ParentAgentID),
		MaxParallelTasks: opts.MaxParallelTasks,
		Status:           "active",
		CreatedAt:        e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "agent.created",
		EntityKind: "agent",
		EntityID:   a.ID,
		AgentID:    opts.ActorID,
		NewState:   a.Status,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) SetAgentStatus(ctx context.Context, agentID, status, actorID string) (domain.Agent, error) {
	if status != "active" && status != "inactive" {
		return domain.Agent{}, validationf("status must be active or inactive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return a, err
	}
	if a.IsLocked {
		return a, LockedError{EntityKind: "agent", EntityID: a.ID, AuditID: deref(a.LockedByAuditID)}
	}
	prev := a.Status
	a.Status = status
	if err := e.Repo.UpdateAgent(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:     "agent.status_changed",
		EntityKind:    "agent",
		EntityID:      a.ID,
		AgentID:       actorID,
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

func (e Engine) AssignAgentToProject(ctx context.Context, agentID, projectID, actorID string) error {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return err
	}
	if _, err := e.activeProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AssignAgentToProject(ctx, tx, agentID, projectID, e.nowString()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "agent.project_assigned",
		EntityKind: "agent",
		EntityID:   agentID,
		ProjectID:  projectID,
		AgentID:    actorID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- task lifecycle ---

type TaskCreateOptions struct {
	ID               string
	ProjectID        string
	Title            string
	Description      string
	Priority         string
	AssigneeID       string
	Dependencies     []string
	EstimatedMinutes int
	ActorID          string
	SessionID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, validationf("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, validationf("project is required")
	}
	if _, err := e.activeProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if opts.AssigneeID != "" {
		if _, err := e.Repo.GetAgent(ctx, opts.AssigneeID); err != nil {
			return domain.Task{}, err
		}
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	for _, d := range opts.Dependencies {
		if d == id {
			return domain.Task{}, validationf("task cannot depend on itself")
		}
	}
	now := e.nowString()
	t := domain.Task{
		ID:               id,
		ProjectID:        opts.ProjectID,
		Title:            opts.Title,
		Description:      opts.Description,
		Status:           StatusBacklog,
		Priority:         opts.Priority,
		AssigneeID:       optionalString(opts.AssigneeID),
		ApprovalStatus:   ApprovalNone,
		EstimatedMinutes: optionalInt(opts.EstimatedMinutes),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.createTaskTx(ctx, tx, t, opts.Dependencies, opts.ActorID, opts.SessionID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Dependencies = opts.Dependencies
	return t, nil
}

// createTaskTx is the shared creation primitive: insert, record
// dependencies, append the created event. Also used by template
// instantiation.
func (e Engine) createTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task, deps []string, actorID, sessionID string, meta map[string]string) error {
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return err
	}
	if len(deps) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, deps); err != nil {
			return err
		}
	}
	return e.Events.Append(ctx, tx, events.Record{
		EventType:  "task.created",
		EntityKind: "task",
		EntityID:   t.ID,
		ProjectID:  t.ProjectID,
		AgentID:    actorID,
		SessionID:  sessionID,
		NewState:   t.Status,
		Metadata:   meta,
	})
}

type RequestTaskOptions struct {
	AssigneeID       string
	RequesterID      string
	Title            string
	Description      string
	Priority         string
	EstimatedMinutes int
	SessionID        string
}

// RequestTask delegates work to an assignee. The assignee's project is
// resolved from its existing project assignment. Requests from an ancestor
// are auto-approved; anything else waits for one of the assignee's human
// ancestors.
func (e Engine) RequestTask(ctx context.Context, opts RequestTaskOptions) (domain.Task, []domain.Agent, error) {
	if opts.Title == "" {
		return domain.Task{}, nil, validationf("title is required")
	}
	if _, err := e.Repo.GetAgent(ctx, opts.AssigneeID); err != nil {
		return domain.Task{}, nil, err
	}
	if _, err := e.Repo.GetAgent(ctx, opts.RequesterID); err != nil {
		return domain.Task{}, nil, err
	}
	projects, err := e.Repo.ProjectsForAgent(ctx, opts.AssigneeID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	if len(projects) == 0 {
		return domain.Task{}, nil, validationf("assignee %s has no project assignment", opts.AssigneeID)
	}
	projectID := projects[0]
	tree, err := e.Hierarchy.Load(ctx)
	if err != nil {
		return domain.Task{}, nil, err
	}
	now := e.nowString()
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	t := domain.Task{
		ID:               uuid.New().String(),
		ProjectID:        projectID,
		Title:            opts.Title,
		Description:      opts.Description,
		Status:           StatusBacklog,
		Priority:         opts.Priority,
		AssigneeID:       &opts.AssigneeID,
		RequesterID:      &opts.RequesterID,
		EstimatedMinutes: optionalInt(opts.EstimatedMinutes),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var approvers []domain.Agent
	if tree.IsAncestorOf(opts.RequesterID, opts.AssigneeID) {
		t.ApprovalStatus = ApprovalApproved
		t.ApprovedAt = &now
	} else {
		t.ApprovalStatus = ApprovalPending
		approvers = tree.HumanAncestors(opts.AssigneeID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, nil, err
	}
	defer tx.Rollback()
	if err := e.createTaskTx(ctx, tx, t, nil, opts.RequesterID, opts.SessionID, map[string]string{
		"requested":       "true",
		"approval_status": t.ApprovalStatus,
	}); err != nil {
		return domain.Task{}, nil, err
	}
	for _, approver := range approvers {
		if err := e.notifyTx(ctx, tx, approver.ID, projectID, "approval_request", map[string]any{
			"task_id":      t.ID,
			"title":        t.Title,
			"assignee_id":  opts.AssigneeID,
			"requester_id": opts.RequesterID,
		}); err != nil {
			return domain.Task{}, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, nil, err
	}
	return t, approvers, nil
}

// ApproveTask resolves a pending delegation. Only an ancestor of the task's
// assignee may decide.
func (e Engine) ApproveTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	return e.decideApproval(ctx, taskID, actorID, "", true)
}

func (e Engine) RejectTask(ctx context.Context, taskID, actorID, reason string) (domain.Task, error) {
	return e.decideApproval(ctx, taskID, actorID, reason, false)
}

func (e Engine) decideApproval(ctx context.Context, taskID, actorID, reason string, approve bool) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.ApprovalStatus != ApprovalPending {
		return t, ApprovalStateError{Status: t.ApprovalStatus}
	}
	if t.AssigneeID == nil {
		return t, validationf("task %s has no assignee", taskID)
	}
	tree, err := e.Hierarchy.Load(ctx)
	if err != nil {
		return t, err
	}
	if !tree.IsAncestorOf(actorID, *t.AssigneeID) {
		return t, hierarchy.ForbiddenError{AgentID: actorID, TargetID: *t.AssigneeID}
	}
	prev := t.ApprovalStatus
	now := e.nowString()
	eventType := "task.approved"
	if approve {
		t.ApprovalStatus = ApprovalApproved
		t.ApprovedAt = &now
	} else {
		t.ApprovalStatus = ApprovalRejected
		eventType = "task.rejected"
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:     eventType,
		EntityKind:    "task",
		EntityID:      t.ID,
		ProjectID:     t.ProjectID,
		AgentID:       actorID,
		PreviousState: prev,
		NewState:      t.ApprovalStatus,
		Reason:        reason,
	}); err != nil {
		return t, err
	}
	if err := e.notifyTx(ctx, tx, *t.AssigneeID, t.ProjectID, "status_change", map[string]any{
		"task_id":         t.ID,
		"approval_status": t.ApprovalStatus,
		"reason":          reason,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

type UpdateStatusOptions struct {
	TaskID    string
	NewStatus string
	ActorID   string
	SessionID string
	Reason    string
}

// UpdateStatus moves a task through the state machine, enforcing the
// dependency and resource gates before in_progress.
func (e Engine) UpdateStatus(ctx context.Context, opts UpdateStatusOptions) (domain.Task, error) {
	if !ValidStatus(opts.NewStatus) {
		return domain.Task{}, validationf("unknown status %s", opts.NewStatus)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if t.IsLocked {
		return t, LockedError{EntityKind: "task", EntityID: t.ID, AuditID: deref(t.LockedByAuditID)}
	}
	if !CanTransition(t.Status, opts.NewStatus) {
		return t, InvalidStatusTransitionError{From: t.Status, To: opts.NewStatus}
	}
	if opts.NewStatus == StatusInProgress {
		if err := e.checkDependencyGate(ctx, tx, t); err != nil {
			return t, err
		}
		if err := e.checkResourceGate(ctx, tx, t); err != nil {
			return t, err
		}
	}
	prev := t.Status
	now := e.nowString()
	t.Status = opts.NewStatus
	t.StatusChangedByAgentID = optionalString(opts.ActorID)
	t.StatusChangedAt = &now
	t.UpdatedAt = now
	switch opts.NewStatus {
	case StatusBlocked:
		t.BlockedReason = optionalString(opts.Reason)
	case StatusDone:
		t.CompletedAt = &now
	}
	if prev == StatusBlocked {
		t.BlockedReason = nil
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	eventType := "task.status_changed"
	if opts.NewStatus == StatusDone {
		eventType = "task.completed"
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:     eventType,
		EntityKind:    "task",
		EntityID:      t.ID,
		ProjectID:     t.ProjectID,
		AgentID:       opts.ActorID,
		SessionID:     opts.SessionID,
		PreviousState: prev,
		NewState:      t.Status,
		Reason:        opts.Reason,
	}); err != nil {
		return t, err
	}
	if opts.NewStatus == StatusBlocked && t.AssigneeID != nil {
		// Tell the running agent instance to report completion as blocked.
		if err := e.notifyTx(ctx, tx, *t.AssigneeID, t.ProjectID, "interrupt", map[string]any{
			"task_id":     t.ID,
			"instruction": "report_completion",
			"result":      "blocked",
			"reason":      opts.Reason,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) checkDependencyGate(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	var incomplete []string
	for _, depID := range t.Dependencies {
		dep, err := e.Repo.GetTaskTx(ctx, tx, depID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				incomplete = append(incomplete, depID)
				continue
			}
			return err
		}
		if dep.Status != StatusDone {
			incomplete = append(incomplete, depID)
		}
	}
	if len(incomplete) > 0 {
		return DependencyNotCompleteError{TaskIDs: incomplete}
	}
	return nil
}

func (e Engine) checkResourceGate(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if t.AssigneeID == nil {
		return nil
	}
	assignee, err := e.Repo.GetAgentTx(ctx, tx, *t.AssigneeID)
	if err != nil {
		return err
	}
	current, err := e.Repo.CountTasksInProgress(ctx, tx, assignee.ID, t.ID)
	if err != nil {
		return err
	}
	if current >= assignee.MaxParallelTasks {
		return MaxParallelTasksError{Current: current, Max: assignee.MaxParallelTasks}
	}
	return nil
}

// Reassign moves a task to a new assignee. Tasks with in-flight work keep
// their context: in_progress and blocked tasks cannot be reassigned.
func (e Engine) Reassign(ctx context.Context, taskID, newAssigneeID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.IsLocked {
		return t, LockedError{EntityKind: "task", EntityID: t.ID, AuditID: deref(t.LockedByAuditID)}
	}
	if t.Status == StatusInProgress || t.Status == StatusBlocked {
		return t, ReassignmentNotAllowedError{Status: t.Status}
	}
	if newAssigneeID != "" {
		if _, err := e.Repo.GetAgentTx(ctx, tx, newAssigneeID); err != nil {
			return t, err
		}
	}
	previous := t.AssigneeID
	t.AssigneeID = optionalString(newAssigneeID)
	t.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if previous != nil {
		if err := e.Events.Append(ctx, tx, events.Record{
			EventType:     "task.unassigned",
			EntityKind:    "task",
			EntityID:      t.ID,
			ProjectID:     t.ProjectID,
			AgentID:       actorID,
			PreviousState: *previous,
		}); err != nil {
			return t, err
		}
	}
	if newAssigneeID != "" {
		if err := e.Events.Append(ctx, tx, events.Record{
			EventType:  "task.assigned",
			EntityKind: "task",
			EntityID:   t.ID,
			ProjectID:  t.ProjectID,
			AgentID:    actorID,
			NewState:   newAssigneeID,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// --- audit locking ---

// LockTask places an audit hold on a task. The audit must be active and the
// task unlocked.
func (e Engine) LockTask(ctx context.Context, taskID, auditID string) (domain.Task, error) {
	audit, err := e.Repo.GetAudit(ctx, auditID)
	if err != nil {
		return domain.Task{}, err
	}
	if audit.Status != "active" {
		return domain.Task{}, validationf("audit %s is %s", auditID, audit.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.IsLocked {
		return t, LockedError{EntityKind: "task", EntityID: t.ID, AuditID: deref(t.LockedByAuditID)}
	}
	t.IsLocked = true
	t.LockedByAuditID = &auditID
	t.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "task.locked",
		EntityKind: "task",
		EntityID:   t.ID,
		ProjectID:  t.ProjectID,
		Metadata:   map[string]string{"audit_id": auditID},
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// UnlockTask releases an audit hold. Only the locking audit may release it.
func (e Engine) UnlockTask(ctx context.Context, taskID, auditID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if !t.IsLocked || t.LockedByAuditID == nil || *t.LockedByAuditID != auditID {
		return t, NotLockOwnerError{EntityKind: "task", EntityID: t.ID, AuditID: auditID}
	}
	t.IsLocked = false
	t.LockedByAuditID = nil
	t.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "task.unlocked",
		EntityKind: "task",
		EntityID:   t.ID,
		ProjectID:  t.ProjectID,
		Metadata:   map[string]string{"audit_id": auditID},
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) LockAgent(ctx context.Context, agentID, auditID string) (domain.Agent, error) {
	audit, err := e.Repo.GetAudit(ctx, auditID)
	if err != nil {
		return domain.Agent{}, err
	}
	if audit.Status != "active" {
		return domain.Agent{}, validationf("audit %s is %s", auditID, audit.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return a, err
	}
	if a.IsLocked {
		return a, LockedError{EntityKind: "agent", EntityID: a.ID, AuditID: deref(a.LockedByAuditID)}
	}
	a.IsLocked = true
	a.LockedByAuditID = &auditID
	if err := e.Repo.UpdateAgent(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "agent.locked",
		EntityKind: "agent",
		EntityID:   a.ID,
		Metadata:   map[string]string{"audit_id": auditID},
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) UnlockAgent(ctx context.Context, agentID, auditID string) (domain.Agent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return a, err
	}
	if !a.IsLocked || a.LockedByAuditID == nil || *a.LockedByAuditID != auditID {
		return a, NotLockOwnerError{EntityKind: "agent", EntityID: a.ID, AuditID: auditID}
	}
	a.IsLocked = false
	a.LockedByAuditID = nil
	if err := e.Repo.UpdateAgent(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		EventType:  "agent.unlocked",
		EntityKind: "agent",
		EntityID:   a.ID,
		Metadata:   map[string]string{"audit_id": auditID},
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// --- messages ---

func (e Engine) SendMessage(ctx context.Context, fromAgentID, toAgentID, projectID, body string) (domain.Message, error) {
	if body == "" {
		return domain.Message{}, validationf("body is required")
	}
	ok, err := e.Hierarchy.CanChatWithAgent(ctx, fromAgentID, toAgentID, projectID)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, hierarchy.ForbiddenError{AgentID: fromAgentID, TargetID: toAgentID}
	}
	m := domain.Message{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Body:        body,
		CreatedAt:   e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.notifyTx(ctx, tx, toAgentID, projectID, "message", map[string]any{
		"message_id":    m.ID,
		"from_agent_id": fromAgentID,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// --- helpers ---

func (e Engine) notifyTx(ctx context.Context, tx *sql.Tx, agentID, projectID, kind string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.Repo.InsertNotification(ctx, tx, domain.Notification{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		ProjectID:   projectID,
		Kind:        kind,
		PayloadJSON: string(data),
		CreatedAt:   e.nowString(),
	})
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
