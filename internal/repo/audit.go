package repo

import (
	"context"
	"database/sql"

	"sessiongate/internal/domain"
)

// ListAuditEntries returns the newest entries first. There is deliberately
// no update or delete counterpart; audit rows are write-once.
func (r Repo) ListAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,actor,action,project_id,session_id,resource_id,metadata_json,created_at
FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var projectID, sessionID, resourceID, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &projectID, &sessionID, &resourceID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ProjectID = projectID.String
		e.SessionID = sessionID.String
		e.ResourceID = resourceID.String
		e.Metadata = meta.String
		res = append(res, e)
	}
	return res, rows.Err()
}
