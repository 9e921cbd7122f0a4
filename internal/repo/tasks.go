package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"sessiongate/internal/domain"
)

// UpsertTask inserts or overwrites the task identified by
// (session_id, dedupe_key). Identity columns (id, session_id, dedupe_key,
// created_at) are preserved on conflict; mutable fields are replaced. The
// unique constraint makes concurrent upserts for the same pair atomic.
func (r Repo) UpsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	files, err := marshalStringSlice(t.MappedFiles)
	if err != nil {
		return err
	}
	tests, err := marshalStringSlice(t.MappedTests)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,session_id,dedupe_key,task_id,title,originating_spec,acceptance_criteria,mapped_files_json,mapped_tests_json,status,notes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id,dedupe_key) DO UPDATE SET
	task_id=excluded.task_id,
	title=excluded.title,
	originating_spec=excluded.originating_spec,
	acceptance_criteria=excluded.acceptance_criteria,
	mapped_files_json=excluded.mapped_files_json,
	mapped_tests_json=excluded.mapped_tests_json,
	status=excluded.status,
	notes=excluded.notes,
	updated_at=excluded.updated_at`,
		t.ID, t.SessionID, t.DedupeKey, nullable(t.TaskID), t.Title,
		nullable(t.OriginatingSpec), nullable(t.AcceptanceCriteria),
		files, tests, t.Status, nullable(t.Notes), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTaskByDedupeKey(ctx context.Context, sessionID, dedupeKey string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,session_id,dedupe_key,task_id,title,originating_spec,acceptance_criteria,mapped_files_json,mapped_tests_json,status,notes,created_at,updated_at
FROM tasks WHERE session_id=? AND dedupe_key=?`, sessionID, dedupeKey)
	return scanTask(row)
}

func (r Repo) ListTasks(ctx context.Context, sessionID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,dedupe_key,task_id,title,originating_spec,acceptance_criteria,mapped_files_json,mapped_tests_json,status,notes,created_at,updated_at
FROM tasks WHERE session_id=? ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE session_id=? GROUP BY status`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (domain.Task, error) {
	t, err := scanTaskFrom(row)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func scanTaskRows(rows *sql.Rows) (domain.Task, error) {
	return scanTaskFrom(rows)
}

func scanTaskFrom(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var taskID, spec, criteria, files, tests, notes sql.NullString
	err := s.Scan(&t.ID, &t.SessionID, &t.DedupeKey, &taskID, &t.Title, &spec, &criteria,
		&files, &tests, &t.Status, &notes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.TaskID = taskID.String
	t.OriginatingSpec = spec.String
	t.AcceptanceCriteria = criteria.String
	t.Notes = notes.String
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &t.MappedFiles); err != nil {
			return t, err
		}
	}
	if tests.Valid && tests.String != "" {
		if err := json.Unmarshal([]byte(tests.String), &t.MappedTests); err != nil {
			return t, err
		}
	}
	return t, nil
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
