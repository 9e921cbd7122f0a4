package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"sessiongate/internal/config"
	"sessiongate/internal/db"
	"sessiongate/internal/domain"
	"sessiongate/internal/engine"
	"sessiongate/internal/migrate"
)

// stubPresigner records presign calls without touching an object store.
type stubPresigner struct {
	putCalls []string
	getCalls []string
	err      error
}

func (s *stubPresigner) PresignPut(_ context.Context, key, contentType string, sizeBytes int64, _ time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.putCalls = append(s.putCalls, key)
	return "https://store.test/put/" + key, nil
}

func (s *stubPresigner) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.getCalls = append(s.getCalls, key)
	return "https://store.test/get/" + key, nil
}

type testEnv struct {
	Engine    engine.Engine
	Store     *stubPresigner
	Ctx       context.Context
	ProjectID string
	SessionID string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := &stubPresigner{}
	eng := engine.New(conn, config.Default(), store)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, "tester", "demo")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	s, err := eng.CreateSession(ctx, "tester", p.ID, "run-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return testEnv{Engine: eng, Store: store, Ctx: ctx, ProjectID: p.ID, SessionID: s.ID}
}

func policyCode(t *testing.T, err error) string {
	t.Helper()
	var pe engine.PolicyError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	return pe.Code
}

func TestPresignPutKeyPrefix(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, engine.PresignPutOptions{
		Name:        "report.json",
		ContentType: "application/json",
		SizeBytes:   1024,
	})
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	prefix := fmt.Sprintf("projects/%s/sessions/%s/iter/1/", env.ProjectID, env.SessionID)
	if !strings.HasPrefix(res.Key, prefix) {
		t.Fatalf("key %q missing prefix %q", res.Key, prefix)
	}
	if res.URL == "" || res.ExpiresInSeconds <= 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(env.Store.putCalls) != 1 || env.Store.putCalls[0] != res.Key {
		t.Fatalf("presigner called with %v", env.Store.putCalls)
	}
}

func TestPresignPutUsesLatestIteration(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.OpenIteration(env.Ctx, "tester", env.SessionID); err != nil {
		t.Fatalf("open iteration: %v", err)
	}
	res, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, engine.PresignPutOptions{
		Name:        "log.txt",
		ContentType: "text/plain",
		SizeBytes:   10,
	})
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	if !strings.Contains(res.Key, "/iter/2/") {
		t.Fatalf("expected iteration 2 in key, got %q", res.Key)
	}
}

func TestPresignPutRejectsUnsafeNames(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"../../etc/passwd", "/abs.txt", "a\\b.txt", "a/../b", ""} {
		_, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, engine.PresignPutOptions{
			Name:        name,
			ContentType: "application/json",
			SizeBytes:   10,
		})
		if code := policyCode(t, err); code != "invalid_name" {
			t.Errorf("name %q: code %q", name, code)
		}
	}
	if len(env.Store.putCalls) != 0 {
		t.Fatalf("presigner must not be called for rejected names")
	}
}

func TestPresignPutPolicyChecksAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, engine.PresignPutOptions{
		Name:        "payload.bin",
		ContentType: "application/octet-stream",
		SizeBytes:   10,
	})
	if code := policyCode(t, err); code != "content_type_not_allowed" {
		t.Fatalf("code %q", code)
	}

	_, err = env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, engine.PresignPutOptions{
		Name:        "huge.json",
		ContentType: "application/json",
		SizeBytes:   env.Engine.Config.Storage.MaxArtifactBytes + 1,
	})
	if code := policyCode(t, err); code != "artifact_too_large" {
		t.Fatalf("code %q", code)
	}
}

func TestPresignPutRetrySameUpload(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.PresignPutOptions{
		Name:        "report.json",
		ContentType: "application/json",
		SizeBytes:   1024,
	}
	first, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, opts)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	second, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, opts)
	if err != nil {
		t.Fatalf("retried presign put: %v", err)
	}
	if second.Key != first.Key {
		t.Fatalf("retry changed the key: %q then %q", first.Key, second.Key)
	}
	if second.URL == "" {
		t.Fatal("retry must reissue an upload URL")
	}
	if len(env.Store.putCalls) != 2 {
		t.Fatalf("presigner called %d times", len(env.Store.putCalls))
	}
	artifacts, err := env.Engine.ListArtifacts(env.Ctx, env.SessionID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected a single row after retry, got %d", len(artifacts))
	}
	if artifacts[0].Status != domain.ArtifactStatusPending {
		t.Fatalf("status %q", artifacts[0].Status)
	}
}

func TestPresignPutAfterCompleteKeepsRow(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.PresignPutOptions{
		Name: "out.json", ContentType: "application/json", SizeBytes: 64,
	}
	res, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, opts)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	if _, err := env.Engine.CompleteArtifact(env.Ctx, "tester", env.SessionID, res.Key, strings.Repeat("a", 64), 64); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, opts); err != nil {
		t.Fatalf("presign put after complete: %v", err)
	}
	a, err := env.Engine.ListArtifacts(env.Ctx, env.SessionID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(a) != 1 || a[0].Status != domain.ArtifactStatusComplete {
		t.Fatalf("completed row must survive a later presign, got %+v", a)
	}
}

func TestCompleteArtifactValidation(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, engine.PresignPutOptions{
		Name: "out.json", ContentType: "application/json", SizeBytes: 64,
	})
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}

	_, err = env.Engine.CompleteArtifact(env.Ctx, "tester", env.SessionID, res.Key, "not-a-sha", 64)
	if code := policyCode(t, err); code != "invalid_request" {
		t.Fatalf("bad sha code %q", code)
	}
	_, err = env.Engine.CompleteArtifact(env.Ctx, "tester", env.SessionID, res.Key, strings.Repeat("a", 64), 0)
	if code := policyCode(t, err); code != "invalid_request" {
		t.Fatalf("zero size code %q", code)
	}
	_, err = env.Engine.CompleteArtifact(env.Ctx, "tester", env.SessionID, "projects/x/missing", strings.Repeat("a", 64), 64)
	if code := policyCode(t, err); code != "artifact_not_found" {
		t.Fatalf("missing artifact code %q", code)
	}
}

func TestCompleteArtifactIdempotent(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, engine.PresignPutOptions{
		Name: "out.json", ContentType: "application/json", SizeBytes: 64,
	})
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	sum := strings.Repeat("AB", 32)
	first, err := env.Engine.CompleteArtifact(env.Ctx, "tester", env.SessionID, res.Key, sum, 64)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if first.Status != domain.ArtifactStatusComplete {
		t.Fatalf("status %q", first.Status)
	}
	if first.SHA256 != strings.ToLower(sum) {
		t.Fatalf("sha stored as %q", first.SHA256)
	}
	second, err := env.Engine.CompleteArtifact(env.Ctx, "tester", env.SessionID, res.Key, sum, 64)
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if second.Status != first.Status || second.SHA256 != first.SHA256 || second.SizeBytes != first.SizeBytes {
		t.Fatalf("repeat complete changed the row:\n first=%+v\nsecond=%+v", first, second)
	}
	if first.CompletedAt == nil || second.CompletedAt == nil || *second.CompletedAt != *first.CompletedAt {
		t.Fatalf("completed_at not stable across repeats")
	}
}

func TestPresignGetRequiresComplete(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.PresignPut(env.Ctx, "tester", env.SessionID, engine.PresignPutOptions{
		Name: "out.json", ContentType: "application/json", SizeBytes: 64,
	})
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}

	_, err = env.Engine.PresignGet(env.Ctx, "tester", env.SessionID, res.Key)
	if code := policyCode(t, err); code != "artifact_not_found_or_not_complete" {
		t.Fatalf("pending artifact code %q", code)
	}

	if _, err := env.Engine.CompleteArtifact(env.Ctx, "tester", env.SessionID, res.Key, strings.Repeat("a", 64), 64); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := env.Engine.PresignGet(env.Ctx, "tester", env.SessionID, res.Key)
	if err != nil {
		t.Fatalf("presign get: %v", err)
	}
	if got.Key != res.Key || got.URL == "" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestUpsertTaskCollapsesDuplicates(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.UpsertTask(env.Ctx, "tester", env.SessionID, engine.TaskUpsertOptions{
		Title:              "Implement login",
		OriginatingSpec:    "auth-spec",
		AcceptanceCriteria: "User can sign in",
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := env.Engine.UpsertTask(env.Ctx, "tester", env.SessionID, engine.TaskUpsertOptions{
		Title:              "  implement   LOGIN ",
		OriginatingSpec:    "Auth-Spec",
		AcceptanceCriteria: "user can  sign in",
		Status:             domain.TaskStatusDoing,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID || second.DedupeKey != first.DedupeKey {
		t.Fatalf("expected one row, got ids %s and %s", first.ID, second.ID)
	}
	if second.Status != domain.TaskStatusDoing {
		t.Fatalf("status not updated: %q", second.Status)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("created_at changed on upsert")
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, env.SessionID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

func TestUpsertTaskExplicitKeyWins(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.UpsertTask(env.Ctx, "tester", env.SessionID, engine.TaskUpsertOptions{
		DedupeKey: "caller-key",
		Title:     "Custom keyed task",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if task.DedupeKey != "caller-key" {
		t.Fatalf("key %q", task.DedupeKey)
	}
}

func TestEvaluateGatesGreenWithoutSecurityCheck(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpsertTask(env.Ctx, "tester", env.SessionID, engine.TaskUpsertOptions{
		Title:  "ship it",
		Status: domain.TaskStatusDone,
	}); err != nil {
		t.Fatalf("upsert task: %v", err)
	}
	if _, err := env.Engine.RecordTestRun(env.Ctx, "runner", env.SessionID, true, 20, 0, ""); err != nil {
		t.Fatalf("record test run: %v", err)
	}
	if _, err := env.Engine.RecordCoverageRun(env.Ctx, "runner", env.SessionID, 85); err != nil {
		t.Fatalf("record coverage: %v", err)
	}
	v, err := env.Engine.EvaluateGates(env.Ctx, env.SessionID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.OK {
		t.Fatalf("expected ok=true, got %+v", v)
	}
	if v.SessionID != env.SessionID {
		t.Fatalf("session id %q", v.SessionID)
	}
	if v.EvaluatedAt != "2025-06-01T12:00:00Z" {
		t.Fatalf("evaluated at %q", v.EvaluatedAt)
	}
}

// The clock from newTestEnv is frozen, so every signal below carries the
// same created_at. Fail-then-pass within one second must still evaluate
// to the pass.
func TestEvaluateGatesLatestSignalWins(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	if _, err := eng.RecordTestRun(env.Ctx, "runner", env.SessionID, false, 10, 3, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RecordTestRun(env.Ctx, "runner", env.SessionID, true, 10, 0, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RecordCoverageRun(env.Ctx, "runner", env.SessionID, 90); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RecordSecurityCheck(env.Ctx, "runner", env.SessionID, domain.SecurityStatusFail, "cve found"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RecordSecurityCheck(env.Ctx, "runner", env.SessionID, domain.SecurityStatusPass, ""); err != nil {
		t.Fatal(err)
	}
	v, err := eng.EvaluateGates(env.Ctx, env.SessionID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.OK {
		t.Fatalf("latest signals are green, got %+v", v)
	}
}

func TestEvaluateGatesSingleFailureVisible(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RecordTestRun(env.Ctx, "runner", env.SessionID, true, 5, 0, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordCoverageRun(env.Ctx, "runner", env.SessionID, 40); err != nil {
		t.Fatal(err)
	}
	v, err := env.Engine.EvaluateGates(env.Ctx, env.SessionID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.OK {
		t.Fatal("expected coverage gate failure")
	}
	for _, c := range v.Checks {
		switch c.Name {
		case "coverage":
			if c.OK {
				t.Error("coverage check should fail")
			}
		case "tests", "tasks", "security":
			if !c.OK {
				t.Errorf("check %s should pass independently", c.Name)
			}
		}
	}
}

func TestAuditTrailWritten(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpsertTask(env.Ctx, "alice", env.SessionID, engine.TaskUpsertOptions{Title: "audited"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	entries, err := env.Engine.ListAudit(env.Ctx, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("expected project, session and task entries, got %d", len(entries))
	}
	if entries[0].Action != "task.upsert" || entries[0].Actor != "alice" {
		t.Fatalf("newest entry = %+v", entries[0])
	}
}

func TestSessionScopedOperationsRejectUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.EvaluateGates(env.Ctx, "no-such-session")
	if code := policyCode(t, err); code != "session_not_found" {
		t.Fatalf("code %q", code)
	}
	_, err = env.Engine.CreateSession(env.Ctx, "tester", "no-such-project", "run")
	if code := policyCode(t, err); code != "project_not_found" {
		t.Fatalf("code %q", code)
	}
}
