// Package engine holds the transactional use-cases behind the HTTP API and
// the CLI. Every state-changing operation runs in one transaction and writes
// its audit entry before committing.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"sessiongate/internal/audit"
	"sessiongate/internal/blobstore"
	"sessiongate/internal/config"
	"sessiongate/internal/dedupe"
	"sessiongate/internal/domain"
	"sessiongate/internal/gates"
	"sessiongate/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Store  blobstore.Presigner
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, store blobstore.Presigner) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Store:  store,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) presignTTL() time.Duration {
	return time.Duration(e.Config.Storage.PresignTTLSeconds) * time.Second
}

// CreateProject registers a new project.
func (e Engine) CreateProject(ctx context.Context, actor, name string) (domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Project{}, invalidRequest("project name is required", nil)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "project.create", p.ID, "", p.ID, audit.Metadata{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, projectNotFound(id)
	}
	return p, err
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// CreateSession opens a session under a project. The first iteration is
// opened in the same transaction so artifact uploads have a namespace from
// the start.
func (e Engine) CreateSession(ctx context.Context, actor, projectID, name string) (domain.Session, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Session{}, invalidRequest("session name is required", nil)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Session{}, projectNotFound(projectID)
		}
		return domain.Session{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	s := domain.Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      strings.TrimSpace(name),
		Status:    domain.SessionStatusActive,
		CreatedAt: now,
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Repo.InsertIteration(ctx, tx, domain.Iteration{SessionID: s.ID, Seq: 1, CreatedAt: now}); err != nil {
		return domain.Session{}, fmt.Errorf("insert iteration: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "session.create", projectID, s.ID, s.ID, audit.Metadata{"name": s.Name}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func (e Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, sessionNotFound(id)
	}
	return s, err
}

// OpenIteration starts the next numbered pass within a session.
func (e Engine) OpenIteration(ctx context.Context, actor, sessionID string) (domain.Iteration, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return domain.Iteration{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Iteration{}, err
	}
	defer tx.Rollback()

	seq, err := e.Repo.NextIterationSeq(ctx, tx, sessionID)
	if err != nil {
		return domain.Iteration{}, err
	}
	it := domain.Iteration{SessionID: sessionID, Seq: seq, CreatedAt: e.nowRFC3339()}
	if err := e.Repo.InsertIteration(ctx, tx, it); err != nil {
		return domain.Iteration{}, fmt.Errorf("insert iteration: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "iteration.open", "", sessionID, "", audit.Metadata{"seq": seq}); err != nil {
		return domain.Iteration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Iteration{}, err
	}
	return it, nil
}

// TaskUpsertOptions are the caller-supplied task fields. DedupeKey is
// optional; when empty it is derived from the normalized spec, title and
// acceptance criteria.
type TaskUpsertOptions struct {
	DedupeKey          string
	TaskID             string
	Title              string
	OriginatingSpec    string
	AcceptanceCriteria string
	MappedFiles        []string
	MappedTests        []string
	Status             string
	Notes              string
}

// UpsertTask inserts or updates the session's task keyed by dedupe key.
// Re-submitting the same work item under a cosmetically different title
// lands on the existing row.
func (e Engine) UpsertTask(ctx context.Context, actor, sessionID string, opts TaskUpsertOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, invalidRequest("task title is required", nil)
	}
	if opts.Status == "" {
		opts.Status = domain.TaskStatusPlanned
	}
	switch opts.Status {
	case domain.TaskStatusPlanned, domain.TaskStatusDoing, domain.TaskStatusDone, domain.TaskStatusBlocked:
	default:
		return domain.Task{}, invalidRequest("unknown task status", map[string]any{"status": opts.Status})
	}
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return domain.Task{}, err
	}
	key := opts.DedupeKey
	if key == "" {
		key = dedupe.Key(opts.OriginatingSpec, opts.Title, opts.AcceptanceCriteria)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	t := domain.Task{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		DedupeKey:          key,
		TaskID:             opts.TaskID,
		Title:              opts.Title,
		OriginatingSpec:    opts.OriginatingSpec,
		AcceptanceCriteria: opts.AcceptanceCriteria,
		MappedFiles:        opts.MappedFiles,
		MappedTests:        opts.MappedTests,
		Status:             opts.Status,
		Notes:              opts.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.UpsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("upsert task: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "task.upsert", "", sessionID, key, audit.Metadata{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	// Re-read so callers see the surviving row's id and created_at when the
	// upsert landed on an existing task.
	return e.Repo.GetTaskByDedupeKey(ctx, sessionID, key)
}

func (e Engine) ListTasks(ctx context.Context, sessionID string) ([]domain.Task, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, sessionID)
}

// PresignPutOptions describe an upload the caller intends to perform.
type PresignPutOptions struct {
	Iteration   int
	Name        string
	ContentType string
	SizeBytes   int64
}

// PresignResult is a time-boxed URL for a single object operation.
type PresignResult struct {
	URL              string `json:"url"`
	Key              string `json:"key"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// PresignPut validates the upload request, records a pending artifact and
// returns an upload URL bound to the exact key, content type and length.
// Repeating the request for the same name and iteration reissues the URL.
func (e Engine) PresignPut(ctx context.Context, actor, sessionID string, opts PresignPutOptions) (PresignResult, error) {
	if !blobstore.ValidName(opts.Name) {
		return PresignResult{}, invalidName(opts.Name)
	}
	if !e.Config.ContentTypeAllowed(opts.ContentType) {
		return PresignResult{}, contentTypeNotAllowed(opts.ContentType)
	}
	if opts.SizeBytes <= 0 {
		return PresignResult{}, invalidRequest("size_bytes must be positive", map[string]any{"size_bytes": opts.SizeBytes})
	}
	if opts.SizeBytes > e.Config.Storage.MaxArtifactBytes {
		return PresignResult{}, artifactTooLarge(opts.SizeBytes, e.Config.Storage.MaxArtifactBytes)
	}
	s, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return PresignResult{}, err
	}
	iteration := opts.Iteration
	if iteration <= 0 {
		latest, err := e.Repo.LatestIterationSeq(ctx, sessionID)
		if err != nil {
			return PresignResult{}, err
		}
		iteration = latest
		if iteration == 0 {
			iteration = 1
		}
	}
	key := blobstore.BuildKey(s.ProjectID, sessionID, iteration, opts.Name)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PresignResult{}, err
	}
	defer tx.Rollback()

	a := domain.Artifact{
		ID:          uuid.NewString(),
		ProjectID:   s.ProjectID,
		SessionID:   sessionID,
		Key:         key,
		Status:      domain.ArtifactStatusPending,
		ContentType: opts.ContentType,
		SizeBytes:   opts.SizeBytes,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.UpsertPendingArtifact(ctx, tx, a); err != nil {
		return PresignResult{}, fmt.Errorf("record artifact: %w", err)
	}
	url, err := e.Store.PresignPut(ctx, key, opts.ContentType, opts.SizeBytes, e.presignTTL())
	if err != nil {
		return PresignResult{}, fmt.Errorf("presign upload: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "artifact.presign_put", s.ProjectID, sessionID, key, audit.Metadata{
		"content_type": opts.ContentType,
		"size_bytes":   opts.SizeBytes,
		"iteration":    iteration,
	}); err != nil {
		return PresignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PresignResult{}, err
	}
	return PresignResult{URL: url, Key: key, ExpiresInSeconds: e.Config.Storage.PresignTTLSeconds}, nil
}

var sha256Pattern = regexp.MustCompile(`^[A-Fa-f0-9]{64}$`)

// CompleteArtifact marks an uploaded artifact complete. Repeat calls with
// the same final values are accepted and leave the row unchanged.
func (e Engine) CompleteArtifact(ctx context.Context, actor, sessionID, key, checksum string, sizeBytes int64) (domain.Artifact, error) {
	issues := map[string]any{}
	if !sha256Pattern.MatchString(checksum) {
		issues["sha256"] = "must be a 64 character hex digest"
	}
	if sizeBytes < 1 {
		issues["size_bytes"] = "must be at least 1"
	}
	if len(issues) > 0 {
		return domain.Artifact{}, invalidRequest("invalid completion payload", issues)
	}
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return domain.Artifact{}, err
	}
	if _, err := e.Repo.GetArtifact(ctx, sessionID, key); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Artifact{}, artifactNotFound(key)
		}
		return domain.Artifact{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	checksum = strings.ToLower(checksum)
	if err := e.Repo.CompleteArtifact(ctx, tx, sessionID, key, checksum, sizeBytes, e.nowRFC3339()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Artifact{}, artifactNotFound(key)
		}
		return domain.Artifact{}, fmt.Errorf("complete artifact: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "artifact.complete", "", sessionID, key, audit.Metadata{
		"sha256":     checksum,
		"size_bytes": sizeBytes,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return e.Repo.GetArtifact(ctx, sessionID, key)
}

// PresignGet returns a download URL for a completed artifact. Pending
// artifacts are indistinguishable from missing ones.
func (e Engine) PresignGet(ctx context.Context, actor, sessionID, key string) (PresignResult, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return PresignResult{}, err
	}
	a, err := e.Repo.GetCompleteArtifact(ctx, sessionID, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return PresignResult{}, artifactNotComplete(key)
		}
		return PresignResult{}, err
	}
	url, err := e.Store.PresignGet(ctx, a.Key, e.presignTTL())
	if err != nil {
		return PresignResult{}, fmt.Errorf("presign download: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PresignResult{}, err
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, actor, "artifact.presign_get", a.ProjectID, sessionID, a.Key, nil); err != nil {
		return PresignResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PresignResult{}, err
	}
	return PresignResult{URL: url, Key: a.Key, ExpiresInSeconds: e.Config.Storage.PresignTTLSeconds}, nil
}

func (e Engine) ListArtifacts(ctx context.Context, sessionID string) ([]domain.Artifact, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListArtifacts(ctx, sessionID)
}

// RecordTestRun appends a test run signal for gate evaluation.
func (e Engine) RecordTestRun(ctx context.Context, actor, sessionID string, passed bool, total, failed int, details string) (domain.TestRun, error) {
	if total < 0 || failed < 0 || failed > total {
		return domain.TestRun{}, invalidRequest("inconsistent test counts", map[string]any{"total": total, "failed": failed})
	}
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return domain.TestRun{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TestRun{}, err
	}
	defer tx.Rollback()

	run := domain.TestRun{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Passed:    passed,
		Total:     total,
		Failed:    failed,
		Details:   details,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertTestRun(ctx, tx, run); err != nil {
		return domain.TestRun{}, fmt.Errorf("insert test run: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "signal.test_run", "", sessionID, run.ID, audit.Metadata{"passed": passed, "total": total, "failed": failed}); err != nil {
		return domain.TestRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TestRun{}, err
	}
	return run, nil
}

// RecordCoverageRun appends a coverage signal for gate evaluation.
func (e Engine) RecordCoverageRun(ctx context.Context, actor, sessionID string, percent float64) (domain.CoverageRun, error) {
	if percent < 0 || percent > 100 {
		return domain.CoverageRun{}, invalidRequest("percent must be within [0,100]", map[string]any{"percent": percent})
	}
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return domain.CoverageRun{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CoverageRun{}, err
	}
	defer tx.Rollback()

	run := domain.CoverageRun{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Percent:   percent,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertCoverageRun(ctx, tx, run); err != nil {
		return domain.CoverageRun{}, fmt.Errorf("insert coverage run: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "signal.coverage_run", "", sessionID, run.ID, audit.Metadata{"percent": percent}); err != nil {
		return domain.CoverageRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CoverageRun{}, err
	}
	return run, nil
}

// RecordSecurityCheck appends a security scan result for gate evaluation.
func (e Engine) RecordSecurityCheck(ctx context.Context, actor, sessionID, status, findings string) (domain.SecurityCheck, error) {
	if status != domain.SecurityStatusPass && status != domain.SecurityStatusFail {
		return domain.SecurityCheck{}, invalidRequest("status must be pass or fail", map[string]any{"status": status})
	}
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return domain.SecurityCheck{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SecurityCheck{}, err
	}
	defer tx.Rollback()

	check := domain.SecurityCheck{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    status,
		Findings:  findings,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertSecurityCheck(ctx, tx, check); err != nil {
		return domain.SecurityCheck{}, fmt.Errorf("insert security check: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "signal.security_check", "", sessionID, check.ID, audit.Metadata{"status": status}); err != nil {
		return domain.SecurityCheck{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SecurityCheck{}, err
	}
	return check, nil
}

// CreateReport stores a report record, optionally pointing at a completed
// artifact.
func (e Engine) CreateReport(ctx context.Context, actor, sessionID, title, kind, artifactKey, summary string) (domain.Report, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Report{}, invalidRequest("report title is required", nil)
	}
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return domain.Report{}, err
	}
	if artifactKey != "" {
		if _, err := e.Repo.GetCompleteArtifact(ctx, sessionID, artifactKey); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Report{}, artifactNotComplete(artifactKey)
			}
			return domain.Report{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	rep := domain.Report{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Title:       strings.TrimSpace(title),
		Kind:        kind,
		ArtifactKey: artifactKey,
		Summary:     summary,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, actor, "report.create", "", sessionID, rep.ID, audit.Metadata{"title": rep.Title, "kind": kind}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

func (e Engine) ListReports(ctx context.Context, sessionID string) ([]domain.Report, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListReports(ctx, sessionID)
}

// GateEvaluation is a gate verdict stamped with the session it covers and
// the time it was computed.
type GateEvaluation struct {
	SessionID   string
	OK          bool
	Checks      []gates.Check
	EvaluatedAt string
}

// EvaluateGates loads the session's latest signals and evaluates them.
func (e Engine) EvaluateGates(ctx context.Context, sessionID string) (GateEvaluation, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return GateEvaluation{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, sessionID)
	if err != nil {
		return GateEvaluation{}, err
	}
	in := gates.Inputs{
		TaskCounts:  counts,
		MinCoverage: e.Config.Gates.MinCoveragePercent,
	}
	if run, err := e.Repo.LatestTestRun(ctx, sessionID); err == nil {
		in.TestRun = &run
	} else if !errors.Is(err, repo.ErrNotFound) {
		return GateEvaluation{}, err
	}
	if run, err := e.Repo.LatestCoverageRun(ctx, sessionID); err == nil {
		in.Coverage = &run
	} else if !errors.Is(err, repo.ErrNotFound) {
		return GateEvaluation{}, err
	}
	if check, err := e.Repo.LatestSecurityCheck(ctx, sessionID); err == nil {
		in.Security = &check
	} else if !errors.Is(err, repo.ErrNotFound) {
		return GateEvaluation{}, err
	}
	v := gates.Evaluate(in)
	return GateEvaluation{
		SessionID:   sessionID,
		OK:          v.OK,
		Checks:      v.Checks,
		EvaluatedAt: e.nowRFC3339(),
	}, nil
}

func (e Engine) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	return e.Repo.ListAuditEntries(ctx, limit)
}
