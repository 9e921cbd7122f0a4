package server

import (
	"sessiongate/internal/domain"
	"sessiongate/internal/engine"
	"sessiongate/internal/gates"
)

// Request payloads

type TokenRequest struct {
	APIKey    string `json:"api_key"`
	Role      string `json:"role" enum:"admin,user,runner"`
	SessionID string `json:"session_id,omitempty"`
}

type CreateProjectRequest struct {
	Name string `json:"name"`
}

type CreateSessionRequest struct {
	Name string `json:"name"`
}

type UpsertTaskRequest struct {
	DedupeKey          string   `json:"dedupe_key,omitempty"`
	TaskID             string   `json:"task_id,omitempty"`
	Title              string   `json:"title"`
	OriginatingSpec    string   `json:"originating_spec,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	MappedFiles        []string `json:"mapped_files,omitempty"`
	MappedTests        []string `json:"mapped_tests,omitempty"`
	Status             string   `json:"status,omitempty" enum:"planned,doing,done,blocked"`
	Notes              string   `json:"notes,omitempty"`
}

type PresignPutRequest struct {
	Iteration   int    `json:"iteration,omitempty" minimum:"0"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type CompleteArtifactRequest struct {
	Key       string `json:"key"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

type PresignGetRequest struct {
	Key string `json:"key"`
}

type TestRunRequest struct {
	Passed  bool   `json:"passed"`
	Total   int    `json:"total" minimum:"0"`
	Failed  int    `json:"failed" minimum:"0"`
	Details string `json:"details,omitempty"`
}

type CoverageRunRequest struct {
	Percent float64 `json:"percent" minimum:"0" maximum:"100"`
}

type SecurityCheckRequest struct {
	Status   string `json:"status" enum:"pass,fail"`
	Findings string `json:"findings,omitempty"`
}

type CreateReportRequest struct {
	Title       string `json:"title"`
	Kind        string `json:"kind,omitempty"`
	ArtifactKey string `json:"artifact_key,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// Response payloads

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

type SessionDetailResponse struct {
	Session    domain.Session     `json:"session"`
	Iterations []domain.Iteration `json:"iterations"`
	Tasks      []domain.Task      `json:"tasks"`
	Artifacts  []domain.Artifact  `json:"artifacts"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type GateResponse struct {
	SessionID   string        `json:"session_id"`
	OK          bool          `json:"ok"`
	Checks      []gates.Check `json:"checks"`
	EvaluatedAt string        `json:"evaluated_at" format:"date-time"`
}

type AuditResponse struct {
	Logs []domain.AuditEntry `json:"logs"`
}

func gateResponse(v engine.GateEvaluation) GateResponse {
	return GateResponse{
		SessionID:   v.SessionID,
		OK:          v.OK,
		Checks:      v.Checks,
		EvaluatedAt: v.EvaluatedAt,
	}
}
