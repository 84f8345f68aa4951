package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/engine/hierarchy"
	"agentline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), now: &now}
	eng.Now = func() time.Time { return *env.now }
	env.Engine = eng
	if _, err := eng.CreateProject(env.Ctx, "proj-1", "Test project", "root"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func (env *testEnv) createAgent(t *testing.T, id, typ, parentID string, maxParallel int) domain.Agent {
	t.Helper()
	a, err := env.Engine.CreateAgent(env.Ctx, engine.AgentCreateOptions{
		ID:               id,
		Name:             id,
		Type:             typ,
		ParentAgentID:    parentID,
		MaxParallelTasks: maxParallel,
		ActorID:          "root",
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
	return a
}

func (env *testEnv) createTask(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.ActorID == "" {
		opts.ActorID = "root"
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task %q: %v", opts.Title, err)
	}
	return task
}

func (env *testEnv) moveTask(t *testing.T, taskID string, statuses ...string) domain.Task {
	t.Helper()
	var task domain.Task
	var err error
	for _, s := range statuses {
		task, err = env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: taskID, NewStatus: s, ActorID: "root"})
		if err != nil {
			t.Fatalf("move task %s to %s: %v", taskID, s, err)
		}
	}
	return task
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1"}); err == nil {
		t.Fatalf("expected error for missing title")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID: "t-1", ProjectID: "proj-1", Title: "loop", Dependencies: []string{"t-1"}, ActorID: "root",
	}); err == nil {
		t.Fatalf("expected self-dependency rejection")
	}
	task := env.createTask(t, engine.TaskCreateOptions{Title: "plain"})
	if task.Status != engine.StatusBacklog {
		t.Fatalf("new task status = %s, want backlog", task.Status)
	}
	if task.Priority != "medium" {
		t.Fatalf("default priority = %s, want medium", task.Priority)
	}
	if task.ApprovalStatus != engine.ApprovalNone {
		t.Fatalf("approval status = %s, want none", task.ApprovalStatus)
	}
}

func TestArchivedProjectRejectsWrites(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ArchiveProject(env.Ctx, "proj-1", "root"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "late", ActorID: "root"})
	var statusErr engine.InvalidProjectStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected InvalidProjectStatusError, got %v", err)
	}
	if err := env.Engine.ArchiveProject(env.Ctx, "proj-1", "root"); err == nil {
		t.Fatalf("expected double archive to fail")
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "ship it"})
	task = env.moveTask(t, task.ID, engine.StatusTodo, engine.StatusInProgress, engine.StatusInReview, engine.StatusDone)
	if task.CompletedAt == nil {
		t.Fatalf("done task has no completed_at")
	}
	if task.StatusChangedByAgentID == nil || *task.StatusChangedByAgentID != "root" {
		t.Fatalf("status_changed_by not recorded")
	}
	// done is terminal
	_, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: task.ID, NewStatus: engine.StatusTodo, ActorID: "root"})
	var transErr engine.InvalidStatusTransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected InvalidStatusTransitionError, got %v", err)
	}
}

func TestSameStatusRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "noop"})
	_, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: task.ID, NewStatus: engine.StatusBacklog, ActorID: "root"})
	var transErr engine.InvalidStatusTransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected InvalidStatusTransitionError for backlog -> backlog, got %v", err)
	}
}

func TestDependencyGate(t *testing.T) {
	env := newTestEnv(t)
	dep := env.createTask(t, engine.TaskCreateOptions{Title: "dep"})
	task := env.createTask(t, engine.TaskCreateOptions{Title: "main", Dependencies: []string{dep.ID}})
	env.moveTask(t, task.ID, engine.StatusTodo)
	_, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: task.ID, NewStatus: engine.StatusInProgress, ActorID: "root"})
	var depErr engine.DependencyNotCompleteError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DependencyNotCompleteError, got %v", err)
	}
	if len(depErr.TaskIDs) != 1 || depErr.TaskIDs[0] != dep.ID {
		t.Fatalf("blocking deps = %v, want [%s]", depErr.TaskIDs, dep.ID)
	}
	env.moveTask(t, dep.ID, engine.StatusTodo, engine.StatusInProgress, engine.StatusInReview, engine.StatusDone)
	if _, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: task.ID, NewStatus: engine.StatusInProgress, ActorID: "root"}); err != nil {
		t.Fatalf("start after deps done: %v", err)
	}
}

func TestResourceGate(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	first := env.createTask(t, engine.TaskCreateOptions{Title: "first", AssigneeID: "worker"})
	second := env.createTask(t, engine.TaskCreateOptions{Title: "second", AssigneeID: "worker"})
	env.moveTask(t, first.ID, engine.StatusTodo, engine.StatusInProgress)
	env.moveTask(t, second.ID, engine.StatusTodo)
	_, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: second.ID, NewStatus: engine.StatusInProgress, ActorID: "worker"})
	var maxErr engine.MaxParallelTasksError
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected MaxParallelTasksError, got %v", err)
	}
	if maxErr.Current != 1 || maxErr.Max != 1 {
		t.Fatalf("limit = %d/%d, want 1/1", maxErr.Current, maxErr.Max)
	}
	env.moveTask(t, first.ID, engine.StatusInReview, engine.StatusDone)
	if _, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: second.ID, NewStatus: engine.StatusInProgress, ActorID: "worker"}); err != nil {
		t.Fatalf("start after capacity freed: %v", err)
	}
}

func TestBlockedReasonAndInterrupt(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "stuck", AssigneeID: "worker"})
	env.moveTask(t, task.ID, engine.StatusTodo, engine.StatusInProgress)
	task, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{
		TaskID: task.ID, NewStatus: engine.StatusBlocked, ActorID: "root", Reason: "waiting on credentials",
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if task.BlockedReason == nil || *task.BlockedReason != "waiting on credentials" {
		t.Fatalf("blocked_reason not recorded")
	}
	notifs, err := env.Engine.Repo.ListNotifications(env.Ctx, "worker", "proj-1", true, 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	var sawInterrupt bool
	for _, n := range notifs {
		if n.Kind == "interrupt" {
			sawInterrupt = true
		}
	}
	if !sawInterrupt {
		t.Fatalf("expected interrupt notification for assignee, got %v", notifs)
	}
	task = env.moveTask(t, task.ID, engine.StatusInProgress)
	if task.BlockedReason != nil {
		t.Fatalf("blocked_reason survived unblocking: %q", *task.BlockedReason)
	}
}

func TestReassignment(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alpha", "ai", "", 1)
	env.createAgent(t, "beta", "ai", "", 1)
	task := env.createTask(t, engine.TaskCreateOptions{Title: "movable", AssigneeID: "alpha"})
	task, err := env.Engine.Reassign(env.Ctx, task.ID, "beta", "root")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if task.AssigneeID == nil || *task.AssigneeID != "beta" {
		t.Fatalf("assignee = %v, want beta", task.AssigneeID)
	}
	env.moveTask(t, task.ID, engine.StatusTodo, engine.StatusInProgress)
	_, err = env.Engine.Reassign(env.Ctx, task.ID, "alpha", "root")
	var reassignErr engine.ReassignmentNotAllowedError
	if !errors.As(err, &reassignErr) {
		t.Fatalf("expected ReassignmentNotAllowedError, got %v", err)
	}
	if reassignErr.Status != engine.StatusInProgress {
		t.Fatalf("rejected status = %s, want in_progress", reassignErr.Status)
	}
}

func TestRequestTaskAutoApproved(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "root", "human", "", 1)
	env.createAgent(t, "worker", "ai", "root", 1)
	if err := env.Engine.AssignAgentToProject(env.Ctx, "worker", "proj-1", "root"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	task, approvers, err := env.Engine.RequestTask(env.Ctx, engine.RequestTaskOptions{
		AssigneeID: "worker", RequesterID: "root", Title: "delegated",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if task.ApprovalStatus != engine.ApprovalApproved {
		t.Fatalf("approval = %s, want approved", task.ApprovalStatus)
	}
	if task.ApprovedAt == nil {
		t.Fatalf("approved_at not set on auto-approval")
	}
	if len(approvers) != 0 {
		t.Fatalf("auto-approved request has approvers %v", approvers)
	}
	if task.ProjectID != "proj-1" {
		t.Fatalf("project resolved to %s, want proj-1", task.ProjectID)
	}
}

func TestRequestTaskPendingApproval(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "root", "human", "", 1)
	env.createAgent(t, "lead", "ai", "root", 1)
	env.createAgent(t, "worker", "ai", "lead", 1)
	env.createAgent(t, "peer", "ai", "", 1)
	if err := env.Engine.AssignAgentToProject(env.Ctx, "worker", "proj-1", "root"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	task, approvers, err := env.Engine.RequestTask(env.Ctx, engine.RequestTaskOptions{
		AssigneeID: "worker", RequesterID: "peer", Title: "sideways",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if task.ApprovalStatus != engine.ApprovalPending {
		t.Fatalf("approval = %s, want pending_approval", task.ApprovalStatus)
	}
	// lead is ai; the only human ancestor is root
	if len(approvers) != 1 || approvers[0].ID != "root" {
		t.Fatalf("approvers = %v, want [root]", approvers)
	}
	notifs, err := env.Engine.Repo.ListNotifications(env.Ctx, "root", "proj-1", true, 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifs) != 1 || notifs[0].Kind != "approval_request" {
		t.Fatalf("expected one approval_request notification, got %v", notifs)
	}

	// the requester has no authority over the assignee
	_, err = env.Engine.ApproveTask(env.Ctx, task.ID, "peer")
	var forbidden hierarchy.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	task, err = env.Engine.ApproveTask(env.Ctx, task.ID, "root")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.ApprovalStatus != engine.ApprovalApproved {
		t.Fatalf("approval = %s, want approved", task.ApprovalStatus)
	}
	// deciding twice is an error
	_, err = env.Engine.ApproveTask(env.Ctx, task.ID, "root")
	var stateErr engine.ApprovalStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected ApprovalStateError, got %v", err)
	}
}

func TestRejectTask(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "root", "human", "", 1)
	env.createAgent(t, "worker", "ai", "root", 1)
	env.createAgent(t, "peer", "ai", "", 1)
	if err := env.Engine.AssignAgentToProject(env.Ctx, "worker", "proj-1", "root"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	task, _, err := env.Engine.RequestTask(env.Ctx, engine.RequestTaskOptions{
		AssigneeID: "worker", RequesterID: "peer", Title: "denied",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	task, err = env.Engine.RejectTask(env.Ctx, task.ID, "root", "out of scope")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.ApprovalStatus != engine.ApprovalRejected {
		t.Fatalf("approval = %s, want rejected", task.ApprovalStatus)
	}
}

func TestAuditLocks(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "worker", "ai", "", 1)
	audit, err := env.Engine.CreateAudit(env.Ctx, "audit-1", "Q2 review")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	other, err := env.Engine.CreateAudit(env.Ctx, "audit-2", "Spot check")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	task := env.createTask(t, engine.TaskCreateOptions{Title: "held"})
	task, err = env.Engine.LockTask(env.Ctx, task.ID, audit.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !task.IsLocked || task.LockedByAuditID == nil || *task.LockedByAuditID != audit.ID {
		t.Fatalf("lock state not recorded: %+v", task)
	}
	_, err = env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: task.ID, NewStatus: engine.StatusTodo, ActorID: "root"})
	var lockedErr engine.LockedError
	if !errors.As(err, &lockedErr) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	// only the locking audit may release
	_, err = env.Engine.UnlockTask(env.Ctx, task.ID, other.ID)
	var ownerErr engine.NotLockOwnerError
	if !errors.As(err, &ownerErr) {
		t.Fatalf("expected NotLockOwnerError, got %v", err)
	}
	if _, err := env.Engine.UnlockTask(env.Ctx, task.ID, audit.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{TaskID: task.ID, NewStatus: engine.StatusTodo, ActorID: "root"}); err != nil {
		t.Fatalf("transition after unlock: %v", err)
	}

	if _, err := env.Engine.LockAgent(env.Ctx, "worker", audit.ID); err != nil {
		t.Fatalf("lock agent: %v", err)
	}
	_, err = env.Engine.SetAgentStatus(env.Ctx, "worker", "inactive", "root")
	if !errors.As(err, &lockedErr) {
		t.Fatalf("expected LockedError on locked agent, got %v", err)
	}
	if _, err := env.Engine.UnlockAgent(env.Ctx, "worker", audit.ID); err != nil {
		t.Fatalf("unlock agent: %v", err)
	}
}

func TestLockRequiresActiveAudit(t *testing.T) {
	env := newTestEnv(t)
	audit, err := env.Engine.CreateAudit(env.Ctx, "", "Paused")
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	if _, err := env.Engine.SetAuditStatus(env.Ctx, audit.ID, "suspended"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	task := env.createTask(t, engine.TaskCreateOptions{Title: "free"})
	if _, err := env.Engine.LockTask(env.Ctx, task.ID, audit.ID); err == nil {
		t.Fatalf("expected lock by suspended audit to fail")
	}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "root", "human", "", 1)
	env.createAgent(t, "worker", "ai", "root", 1)
	env.createAgent(t, "stranger", "ai", "", 1)
	msg, err := env.Engine.SendMessage(env.Ctx, "root", "worker", "proj-1", "status?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.FromAgentID != "root" || msg.ToAgentID != "worker" {
		t.Fatalf("message endpoints wrong: %+v", msg)
	}
	notifs, err := env.Engine.Repo.ListNotifications(env.Ctx, "worker", "proj-1", true, 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifs) != 1 || notifs[0].Kind != "message" {
		t.Fatalf("expected message notification, got %v", notifs)
	}
	// no shared project, no hierarchy relation
	_, err = env.Engine.SendMessage(env.Ctx, "stranger", "worker", "proj-1", "psst")
	var forbidden hierarchy.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}
