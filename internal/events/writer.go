package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends state-change events. Rows are append-only; nothing in this
// package updates or deletes them.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record carries everything known about a single state transition.
type Record struct {
	EventType     string
	EntityKind    string
	EntityID      string
	ProjectID     string
	AgentID       string
	SessionID     string
	PreviousState string
	NewState      string
	Reason        string
	Metadata      map[string]string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	var meta any
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,event_type,entity_kind,entity_id,project_id,agent_id,session_id,previous_state,new_state,reason,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ts, rec.EventType, rec.EntityKind, rec.EntityID, nullable(rec.ProjectID), nullable(rec.AgentID), nullable(rec.SessionID),
		nullable(rec.PreviousState), nullable(rec.NewState), nullable(rec.Reason), meta)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
