package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agentline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so finder queries can run
// inside or outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,status,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.getProject(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return r.getProject(ctx, tx, id)
}

func (r Repo) getProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	var p domain.Project
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskColumns = `id,project_id,title,description,status,priority,assignee_id,approval_status,requester_id,
status_changed_by_agent_id,status_changed_at,blocked_reason,is_locked,locked_by_audit_id,
estimated_minutes,actual_minutes,approved_at,completed_at,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.Priority, nullableStringPtr(t.AssigneeID),
		t.ApprovalStatus, nullableStringPtr(t.RequesterID), nullableStringPtr(t.StatusChangedByAgentID),
		nullableStringPtr(t.StatusChangedAt), nullableStringPtr(t.BlockedReason), boolInt(t.IsLocked),
		nullableStringPtr(t.LockedByAuditID), nullableIntPtr(t.EstimatedMinutes), nullableIntPtr(t.ActualMinutes),
		nullableStringPtr(t.ApprovedAt), nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, assignee_id=?,
approval_status=?, requester_id=?, status_changed_by_agent_id=?, status_changed_at=?, blocked_reason=?,
is_locked=?, locked_by_audit_id=?, estimated_minutes=?, actual_minutes=?, approved_at=?, completed_at=?, updated_at=?
WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, t.Priority, nullableStringPtr(t.AssigneeID),
		t.ApprovalStatus, nullableStringPtr(t.RequesterID), nullableStringPtr(t.StatusChangedByAgentID),
		nullableStringPtr(t.StatusChangedAt), nullableStringPtr(t.BlockedReason), boolInt(t.IsLocked),
		nullableStringPtr(t.LockedByAuditID), nullableIntPtr(t.EstimatedMinutes), nullableIntPtr(t.ActualMinutes),
		nullableStringPtr(t.ApprovedAt), nullableStringPtr(t.CompletedAt), t.UpdatedAt, t.ID)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, assigneeID, requesterID, changedBy, changedAt, blockedReason, lockedBy sql.NullString
	var approvedAt, completedAt sql.NullString
	var estimated, actual sql.NullInt64
	var locked int
	err := scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &t.Priority, &assigneeID, &t.ApprovalStatus,
		&requesterID, &changedBy, &changedAt, &blockedReason, &locked, &lockedBy, &estimated, &actual,
		&approvedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.IsLocked = locked != 0
	t.AssigneeID = strPtrOf(assigneeID)
	t.RequesterID = strPtrOf(requesterID)
	t.StatusChangedByAgentID = strPtrOf(changedBy)
	t.StatusChangedAt = strPtrOf(changedAt)
	t.BlockedReason = strPtrOf(blockedReason)
	t.LockedByAuditID = strPtrOf(lockedBy)
	t.EstimatedMinutes = intPtrOf(estimated)
	t.ActualMinutes = intPtrOf(actual)
	t.ApprovedAt = strPtrOf(approvedAt)
	t.CompletedAt = strPtrOf(completedAt)
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependencies(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.Dependencies = deps
	return t, nil
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	AssigneeID string
	Approval   string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Approval != "" {
		clauses = append(clauses, "approval_status=?")
		args = append(args, f.Approval)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksInProgress counts an assignee's tasks currently in progress,
// excluding the given task id.
func (r Repo) CountTasksInProgress(ctx context.Context, tx *sql.Tx, assigneeID, excludeTaskID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE assignee_id=? AND status='in_progress' AND id<>?`,
		assigneeID, excludeTaskID).Scan(&n)
	return n, err
}

// FindTaskInProgress returns the in_progress task assigned to an agent in a
// project, if any.
func (r Repo) FindTaskInProgress(ctx context.Context, agentID, projectID string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE assignee_id=? AND project_id=? AND status='in_progress'
ORDER BY updated_at ASC LIMIT 1`, agentID, projectID)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependencies(ctx, nil, t.ID)
	if err != nil {
		return t, err
	}
	t.Dependencies = deps
	return t, nil
}

// CountPendingApprovalsForAssignees counts tasks pending approval whose
// assignee is one of the given agents.
func (r Repo) CountPendingApprovalsForAssignees(ctx context.Context, assigneeIDs []string) (int, error) {
	if len(assigneeIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(assigneeIDs)), ",")
	args := make([]any, 0, len(assigneeIDs))
	for _, id := range assigneeIDs {
		args = append(args, id)
	}
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE approval_status='pending_approval' AND assignee_id IN (`+placeholders+`)`,
		args...).Scan(&n)
	return n, err
}

func (r Repo) ListTaskDependencies(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if d == taskID {
			return fmt.Errorf("task %s cannot depend on itself", taskID)
		}
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,event_type,entity_kind,entity_id,project_id,agent_id,session_id,previous_state,new_state,reason,metadata_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,event_type,entity_kind,entity_id,project_id,agent_id,session_id,previous_state,new_state,reason,metadata_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, agentID, sessionID, prev, next, reason, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.EventType, &e.EntityKind, &e.EntityID, &projectID, &agentID, &sessionID, &prev, &next, &reason, &meta); err != nil {
			return nil, err
		}
		e.ProjectID = projectID.String
		e.AgentID = agentID.String
		e.SessionID = sessionID.String
		e.PreviousState = prev.String
		e.NewState = next.String
		e.Reason = reason.String
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func strPtrOf(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtrOf(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
