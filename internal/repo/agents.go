package repo

import (
	"context"
	"database/sql"

	"agentline/internal/domain"
)

const agentColumns = `id,name,type,hierarchy_type,parent_agent_id,max_parallel_tasks,status,is_locked,locked_by_audit_id,created_at`

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Type, nullable(a.HierarchyType), nullableStringPtr(a.ParentAgentID),
		a.MaxParallelTasks, a.Status, boolInt(a.IsLocked), nullableStringPtr(a.LockedByAuditID), a.CreatedAt)
	return err
}

func (r Repo) UpdateAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET name=?, type=?, hierarchy_type=?, parent_agent_id=?,
max_parallel_tasks=?, status=?, is_locked=?, locked_by_audit_id=? WHERE id=?`,
		a.Name, a.Type, nullable(a.HierarchyType), nullableStringPtr(a.ParentAgentID),
		a.MaxParallelTasks, a.Status, boolInt(a.IsLocked), nullableStringPtr(a.LockedByAuditID), a.ID)
	return err
}

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var hierarchyType, parentID, lockedBy sql.NullString
	var locked int
	err := scan(&a.ID, &a.Name, &a.Type, &hierarchyType, &parentID, &a.MaxParallelTasks, &a.Status, &locked, &lockedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.HierarchyType = hierarchyType.String
	a.ParentAgentID = strPtrOf(parentID)
	a.IsLocked = locked != 0
	a.LockedByAuditID = strPtrOf(lockedBy)
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.GetAgentTx(ctx, nil, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- project assignments ---

func (r Repo) AssignAgentToProject(ctx context.Context, tx *sql.Tx, agentID, projectID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO agent_projects(agent_id,project_id,created_at) VALUES (?,?,?)`,
		agentID, projectID, now)
	return err
}

func (r Repo) AgentAssignedToProject(ctx context.Context, agentID, projectID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM agent_projects WHERE agent_id=? AND project_id=? LIMIT 1`, agentID, projectID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ProjectsForAgent returns project ids an agent is assigned to, oldest
// assignment first.
func (r Repo) ProjectsForAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id FROM agent_projects WHERE agent_id=? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
