package repo

import (
	"context"
	"database/sql"

	"agentline/internal/domain"
)

const sessionColumns = `id,agent_id,project_id,purpose,token,status,expires_at,started_at,ended_at`

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.AgentID, s.ProjectID, s.Purpose, s.Token, s.Status, s.ExpiresAt, s.StartedAt, nullableStringPtr(s.EndedAt))
	return err
}

func (r Repo) UpdateSessionStatus(ctx context.Context, tx *sql.Tx, id, status string, endedAt *string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sessions SET status=?, ended_at=? WHERE id=?`,
		status, nullableStringPtr(endedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var endedAt sql.NullString
	err := scan(&s.ID, &s.AgentID, &s.ProjectID, &s.Purpose, &s.Token, &s.Status, &s.ExpiresAt, &s.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.EndedAt = strPtrOf(endedAt)
	return s, nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return r.GetSessionTx(ctx, nil, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// ActiveSessions returns sessions with status 'active' for the agent/project
// key. Purpose narrows the lane when non-empty. Expiry is evaluated by the
// caller against the clock, not here.
func (r Repo) ActiveSessions(ctx context.Context, tx *sql.Tx, agentID, projectID, purpose string) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE agent_id=? AND project_id=? AND status='active'`
	args := []any{agentID, projectID}
	if purpose != "" {
		query += ` AND purpose=?`
		args = append(args, purpose)
	}
	query += ` ORDER BY started_at ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- spawn markers ---

func (r Repo) UpsertSpawnMarker(ctx context.Context, tx *sql.Tx, m domain.SpawnMarker) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agent_spawns(agent_id,project_id,purpose,started_at) VALUES (?,?,?,?)
ON CONFLICT(agent_id,project_id,purpose) DO UPDATE SET started_at=excluded.started_at`,
		m.AgentID, m.ProjectID, m.Purpose, m.StartedAt)
	return err
}

func (r Repo) GetSpawnMarker(ctx context.Context, tx *sql.Tx, agentID, projectID, purpose string) (domain.SpawnMarker, error) {
	var m domain.SpawnMarker
	err := r.q(tx).QueryRowContext(ctx, `SELECT agent_id,project_id,purpose,started_at FROM agent_spawns
WHERE agent_id=? AND project_id=? AND purpose=?`, agentID, projectID, purpose).
		Scan(&m.AgentID, &m.ProjectID, &m.Purpose, &m.StartedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) DeleteSpawnMarker(ctx context.Context, tx *sql.Tx, agentID, projectID, purpose string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM agent_spawns WHERE agent_id=? AND project_id=? AND purpose=?`,
		agentID, projectID, purpose)
	return err
}
