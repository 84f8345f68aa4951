package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"agentline/internal/domain"
)

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.WorkflowTemplate) error {
	var variables any
	if len(t.Variables) > 0 {
		data, err := json.Marshal(t.Variables)
		if err != nil {
			return err
		}
		variables = string(data)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflow_templates(id,name,variables_json,status,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.Name, variables, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	return r.GetTemplateTx(ctx, nil, id)
}

func (r Repo) GetTemplateTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	var variables sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,variables_json,status,created_at FROM workflow_templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &variables, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if variables.Valid && variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &t.Variables); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (r Repo) ListTemplates(ctx context.Context, status string) ([]domain.WorkflowTemplate, error) {
	query := `SELECT id,name,variables_json,status,created_at FROM workflow_templates`
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
	var res []domain.WorkflowTemplate
	for rows.Next() {
		var t domain.WorkflowTemplate
		var variables sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &variables, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		if variables.Valid && variables.String != "" {
			if err := json.Unmarshal([]byte(variables.String), &t.Variables); err != nil {
				return nil, err
			}
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTemplateStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflow_templates SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTemplateTask(ctx context.Context, tx *sql.Tx, t domain.TemplateTask) error {
	var orders any
	if len(t.DependsOnOrders) > 0 {
		data, err := json.Marshal(t.DependsOnOrders)
		if err != nil {
			return err
		}
		orders = string(data)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO template_tasks(id,template_id,title,description,ord,depends_on_orders_json,default_assignee_role,default_priority,estimated_minutes)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TemplateID, t.Title, nullable(t.Description), t.Order, orders,
		nullableStringPtr(t.DefaultAssigneeRole), t.DefaultPriority, nullableIntPtr(t.EstimatedMinutes))
	return err
}

// ListTemplateTasks returns template tasks sorted ascending by order, the
// ordering the dependency remap relies on.
func (r Repo) ListTemplateTasks(ctx context.Context, tx *sql.Tx, templateID string) ([]domain.TemplateTask, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,template_id,title,description,ord,depends_on_orders_json,default_assignee_role,default_priority,estimated_minutes
FROM template_tasks WHERE template_id=? ORDER BY ord ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateTask
	for rows.Next() {
		var t domain.TemplateTask
		var description, orders, role sql.NullString
		var estimated sql.NullInt64
		if err := rows.Scan(&t.ID, &t.TemplateID, &t.Title, &description, &t.Order, &orders, &role, &t.DefaultPriority, &estimated); err != nil {
			return nil, err
		}
		t.Description = description.String
		t.DefaultAssigneeRole = strPtrOf(role)
		t.EstimatedMinutes = intPtrOf(estimated)
		if orders.Valid && orders.String != "" {
			if err := json.Unmarshal([]byte(orders.String), &t.DependsOnOrders); err != nil {
				return nil, err
			}
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
