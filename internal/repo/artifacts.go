package repo

import (
	"context"
	"database/sql"

	"sessiongate/internal/domain"
)

// UpsertPendingArtifact inserts the pending row for a presigned upload.
// Re-requesting an upload URL for the same (session_id, key) refreshes the
// declared content type and size while the artifact is still pending; a
// completed artifact keeps its row untouched and only gets a fresh URL.
func (r Repo) UpsertPendingArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,project_id,session_id,key,status,content_type,size_bytes,sha256,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id,key) DO UPDATE SET
	content_type=excluded.content_type,
	size_bytes=excluded.size_bytes,
	created_at=excluded.created_at
WHERE artifacts.status='pending'`,
		a.ID, a.ProjectID, a.SessionID, a.Key, a.Status, a.ContentType, a.SizeBytes,
		nullable(a.SHA256), a.CreatedAt, nullableStringPtr(a.CompletedAt))
	return err
}

func (r Repo) GetArtifact(ctx context.Context, sessionID, key string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,session_id,key,status,content_type,size_bytes,sha256,created_at,completed_at
FROM artifacts WHERE session_id=? AND key=?`, sessionID, key)
	return scanArtifact(row)
}

// GetCompleteArtifact only matches artifacts whose upload has been finalized.
func (r Repo) GetCompleteArtifact(ctx context.Context, sessionID, key string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,session_id,key,status,content_type,size_bytes,sha256,created_at,completed_at
FROM artifacts WHERE session_id=? AND key=? AND status='complete'`, sessionID, key)
	return scanArtifact(row)
}

// CompleteArtifact is a last-write-wins field update keyed by the unique
// (session_id, key) pair; repeating it with the same values is a no-op.
func (r Repo) CompleteArtifact(ctx context.Context, tx *sql.Tx, sessionID, key, sha256 string, sizeBytes int64, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET status='complete', sha256=?, size_bytes=?, completed_at=COALESCE(completed_at,?) WHERE session_id=? AND key=?`,
		sha256, sizeBytes, completedAt, sessionID, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListArtifacts(ctx context.Context, sessionID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,session_id,key,status,content_type,size_bytes,sha256,created_at,completed_at
FROM artifacts WHERE session_id=? ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var sha, completedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.SessionID, &a.Key, &a.Status, &a.ContentType,
			&a.SizeBytes, &sha, &a.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		a.SHA256 = sha.String
		if completedAt.Valid {
			a.CompletedAt = &completedAt.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanArtifact(row *sql.Row) (domain.Artifact, error) {
	var a domain.Artifact
	var sha, completedAt sql.NullString
	err := row.Scan(&a.ID, &a.ProjectID, &a.SessionID, &a.Key, &a.Status, &a.ContentType,
		&a.SizeBytes, &sha, &a.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.SHA256 = sha.String
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return a, nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
