package repo

import (
	"context"
	"database/sql"
	"errors"

	"sessiongate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,created_at) VALUES (?,?,?)`,
		p.ID, p.Name, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,project_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Name, s.Status, s.CreatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,status,created_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.ProjectID, &s.Name, &s.Status, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSessions(ctx context.Context, projectID string) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,status,created_at FROM sessions WHERE project_id=? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertIteration(ctx context.Context, tx *sql.Tx, it domain.Iteration) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO iterations(session_id,seq,created_at) VALUES (?,?,?)`,
		it.SessionID, it.Seq, it.CreatedAt)
	return err
}

// NextIterationSeq returns max(seq)+1 for the session, starting at 1.
func (r Repo) NextIterationSeq(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM iterations WHERE session_id=?`, sessionID).Scan(&seq)
	return seq, err
}

// LatestIterationSeq returns the highest recorded seq, or 0 when the session
// has no iterations yet.
func (r Repo) LatestIterationSeq(ctx context.Context, sessionID string) (int, error) {
	var seq int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM iterations WHERE session_id=?`, sessionID).Scan(&seq)
	return seq, err
}

func (r Repo) ListIterations(ctx context.Context, sessionID string) ([]domain.Iteration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,seq,created_at FROM iterations WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		var it domain.Iteration
		if err := rows.Scan(&it.SessionID, &it.Seq, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
