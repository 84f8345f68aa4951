package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"agentline/internal/domain"
)

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, a domain.InternalAudit) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO audits(id,name,status,created_at) VALUES (?,?,?,?)`,
		a.ID, a.Name, a.Status, a.CreatedAt)
	return err
}

func (r Repo) GetAudit(ctx context.Context, id string) (domain.InternalAudit, error) {
	return r.GetAuditTx(ctx, nil, id)
}

func (r Repo) GetAuditTx(ctx context.Context, tx *sql.Tx, id string) (domain.InternalAudit, error) {
	var a domain.InternalAudit
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,status,created_at FROM audits WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) UpdateAuditStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE audits SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAudits(ctx context.Context, status string) ([]domain.InternalAudit, error) {
	query := `SELECT id,name,status,created_at FROM audits`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InternalAudit
	for rows.Next() {
		var a domain.InternalAudit
		if err := rows.Scan(&a.ID, &a.Name, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- rules ---

// Task assignments are stored as a JSON object keyed by the template task
// order rendered as a string.
func encodeAssignments(m map[int]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	tmp := make(map[string]string, len(m))
	for k, v := range m {
		tmp[strconv.Itoa(k)] = v
	}
	data, err := json.Marshal(tmp)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeAssignments(raw sql.NullString) (map[int]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var tmp map[string]string
	if err := json.Unmarshal([]byte(raw.String), &tmp); err != nil {
		return nil, err
	}
	res := make(map[int]string, len(tmp))
	for k, v := range tmp {
		ord, err := strconv.Atoi(k)
		if err != nil {
			return nil, err
		}
		res[ord] = v
	}
	return res, nil
}

func (r Repo) InsertAuditRule(ctx context.Context, tx *sql.Tx, rule domain.AuditRule) error {
	assignments, err := encodeAssignments(rule.TaskAssignments)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO audit_rules(id,audit_id,trigger_type,trigger_config,template_id,task_assignments_json,is_enabled,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		rule.ID, rule.AuditID, rule.TriggerType, nullable(rule.TriggerConfig), rule.TemplateID,
		assignments, boolInt(rule.IsEnabled), rule.CreatedAt)
	return err
}

func (r Repo) SetAuditRuleEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE audit_rules SET is_enabled=? WHERE id=?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAuditRule(scan func(dest ...any) error) (domain.AuditRule, error) {
	var rule domain.AuditRule
	var triggerConfig, assignments sql.NullString
	var enabled int
	err := scan(&rule.ID, &rule.AuditID, &rule.TriggerType, &triggerConfig, &rule.TemplateID, &assignments, &enabled, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.TriggerConfig = triggerConfig.String
	rule.IsEnabled = enabled != 0
	rule.TaskAssignments, err = decodeAssignments(assignments)
	return rule, err
}

func (r Repo) GetAuditRule(ctx context.Context, id string) (domain.AuditRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,audit_id,trigger_type,trigger_config,template_id,task_assignments_json,is_enabled,created_at FROM audit_rules WHERE id=?`, id)
	return scanAuditRule(row.Scan)
}

// FindEnabledRules returns enabled rules of an audit matching a trigger type.
func (r Repo) FindEnabledRules(ctx context.Context, auditID, triggerType string) ([]domain.AuditRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,audit_id,trigger_type,trigger_config,template_id,task_assignments_json,is_enabled,created_at
FROM audit_rules WHERE audit_id=? AND trigger_type=? AND is_enabled=1 ORDER BY created_at ASC`, auditID, triggerType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRule
	for rows.Next() {
		rule, err := scanAuditRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) ListAuditRules(ctx context.Context, auditID string) ([]domain.AuditRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,audit_id,trigger_type,trigger_config,template_id,task_assignments_json,is_enabled,created_at
FROM audit_rules WHERE audit_id=? ORDER BY created_at ASC`, auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRule
	for rows.Next() {
		rule, err := scanAuditRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}
