// Package events appends rows to the per-project activity log. Appends run
// inside the same transaction as the mutation they describe, so a rolled-back
// operation leaves no trace.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append writes one activity entry for projectID inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, projectID, actorID, message string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity_log(project_id,ts,actor_id,message,payload_json) VALUES (?,?,?,?,?)`,
		projectID, ts, actorID, message, string(data))
	return err
}
