// Package audit appends write-once records for state-changing actions.
// Entries are written inside the same transaction as the change, so every
// externally observable mutation has its audit row before the response.
package audit

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

type Metadata map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, actor, action, projectID, sessionID, resourceID string, meta Metadata) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if meta == nil {
		meta = Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(actor,action,project_id,session_id,resource_id,metadata_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		actor, action, nullable(projectID), nullable(sessionID), nullable(resourceID), string(data), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
