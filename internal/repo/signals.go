package repo

import (
	"context"
	"database/sql"

	"sessiongate/internal/domain"
)

// Signal tables are append-only; "latest" is insertion order via the rowid.
// created_at has second resolution, so two signals recorded in the same
// second would tie on it and uuid ids do not sort by time.

func (r Repo) InsertTestRun(ctx context.Context, tx *sql.Tx, run domain.TestRun) error {
	passed := 0
	if run.Passed {
		passed = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO test_runs(id,session_id,passed,total,failed,details,created_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.SessionID, passed, run.Total, run.Failed, nullable(run.Details), run.CreatedAt)
	return err
}

func (r Repo) LatestTestRun(ctx context.Context, sessionID string) (domain.TestRun, error) {
	var run domain.TestRun
	var passed int
	var details sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,passed,total,failed,details,created_at
FROM test_runs WHERE session_id=? ORDER BY rowid DESC LIMIT 1`, sessionID).
		Scan(&run.ID, &run.SessionID, &passed, &run.Total, &run.Failed, &details, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Passed = passed != 0
	run.Details = details.String
	return run, nil
}

func (r Repo) InsertCoverageRun(ctx context.Context, tx *sql.Tx, run domain.CoverageRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO coverage_runs(id,session_id,percent,created_at) VALUES (?,?,?,?)`,
		run.ID, run.SessionID, run.Percent, run.CreatedAt)
	return err
}

func (r Repo) LatestCoverageRun(ctx context.Context, sessionID string) (domain.CoverageRun, error) {
	var run domain.CoverageRun
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,percent,created_at
FROM coverage_runs WHERE session_id=? ORDER BY rowid DESC LIMIT 1`, sessionID).
		Scan(&run.ID, &run.SessionID, &run.Percent, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) InsertSecurityCheck(ctx context.Context, tx *sql.Tx, check domain.SecurityCheck) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO security_checks(id,session_id,status,findings,created_at) VALUES (?,?,?,?,?)`,
		check.ID, check.SessionID, check.Status, nullable(check.Findings), check.CreatedAt)
	return err
}

func (r Repo) LatestSecurityCheck(ctx context.Context, sessionID string) (domain.SecurityCheck, error) {
	var check domain.SecurityCheck
	var findings sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,status,findings,created_at
FROM security_checks WHERE session_id=? ORDER BY rowid DESC LIMIT 1`, sessionID).
		Scan(&check.ID, &check.SessionID, &check.Status, &findings, &check.CreatedAt)
	if err == sql.ErrNoRows {
		return check, ErrNotFound
	}
	if err != nil {
		return check, err
	}
	check.Findings = findings.String
	return check, nil
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,session_id,title,kind,artifact_key,summary,created_at) VALUES (?,?,?,?,?,?,?)`,
		rep.ID, rep.SessionID, rep.Title, rep.Kind, nullable(rep.ArtifactKey), nullable(rep.Summary), rep.CreatedAt)
	return err
}

func (r Repo) ListReports(ctx context.Context, sessionID string) ([]domain.Report, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,title,kind,artifact_key,summary,created_at
FROM reports WHERE session_id=? ORDER BY rowid DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var rep domain.Report
		var key, summary sql.NullString
		if err := rows.Scan(&rep.ID, &rep.SessionID, &rep.Title, &rep.Kind, &key, &summary, &rep.CreatedAt); err != nil {
			return nil, err
		}
		rep.ArtifactKey = key.String
		rep.Summary = summary.String
		res = append(res, rep)
	}
	return res, rows.Err()
}
