package repo

import (
	"context"
	"database/sql"

	"agentline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO notifications(id,agent_id,project_id,kind,payload_json,created_at,delivered_at)
VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.AgentID, n.ProjectID, n.Kind, nullable(n.PayloadJSON), n.CreatedAt, nullableStringPtr(n.DeliveredAt))
	return err
}

func (r Repo) ListNotifications(ctx context.Context, agentID, projectID string, undeliveredOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,agent_id,project_id,kind,payload_json,created_at,delivered_at FROM notifications WHERE agent_id=?`
	args := []any{agentID}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	if undeliveredOnly {
		query += ` AND delivered_at IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var payload, delivered sql.NullString
		if err := rows.Scan(&n.ID, &n.AgentID, &n.ProjectID, &n.Kind, &payload, &n.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		n.PayloadJSON = payload.String
		n.DeliveredAt = strPtrOf(delivered)
		res = append(res, n)
	}
	return res, rows.Err()
}

// UndeliveredNotifications returns pending notifications across all agents,
// oldest first. Used by the webhook forwarder.
func (r Repo) UndeliveredNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agent_id,project_id,kind,payload_json,created_at,delivered_at
FROM notifications WHERE delivered_at IS NULL ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var payload, delivered sql.NullString
		if err := rows.Scan(&n.ID, &n.AgentID, &n.ProjectID, &n.Kind, &payload, &n.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		n.PayloadJSON = payload.String
		n.DeliveredAt = strPtrOf(delivered)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationDelivered(ctx context.Context, id, deliveredAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivered_at=? WHERE id=? AND delivered_at IS NULL`, deliveredAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- messages ---

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO messages(id,project_id,from_agent_id,to_agent_id,body,created_at,read_at)
VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.FromAgentID, m.ToAgentID, m.Body, m.CreatedAt, nullableStringPtr(m.ReadAt))
	return err
}

func (r Repo) CountUnreadMessages(ctx context.Context, agentID, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE to_agent_id=? AND project_id=? AND read_at IS NULL`,
		agentID, projectID).Scan(&n)
	return n, err
}

func (r Repo) MarkMessagesRead(ctx context.Context, agentID, projectID, readAt string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET read_at=? WHERE to_agent_id=? AND project_id=? AND read_at IS NULL`,
		readAt, agentID, projectID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) ListMessages(ctx context.Context, agentID, projectID string, limit int) ([]domain.Message, error) {
	query := `SELECT id,project_id,from_agent_id,to_agent_id,body,created_at,read_at FROM messages
WHERE to_agent_id=? AND project_id=? ORDER BY created_at DESC, id DESC`
	args := []any{agentID, projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.FromAgentID, &m.ToAgentID, &m.Body, &m.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		m.ReadAt = strPtrOf(readAt)
		res = append(res, m)
	}
	return res, rows.Err()
}
