package domain

const (
	TaskStatusPlanned = "planned"
	TaskStatusDoing   = "doing"
	TaskStatusDone    = "done"
	TaskStatusBlocked = "blocked"

	ArtifactStatusPending  = "pending"
	ArtifactStatusComplete = "complete"

	SessionStatusActive = "active"
	SessionStatusClosed = "closed"

	SecurityStatusPass = "pass"
	SecurityStatusFail = "fail"
)

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,closed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Iteration is a numbered pass within a session; seq increments per session.
type Iteration struct {
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                 string   `json:"id"`
	SessionID          string   `json:"session_id"`
	DedupeKey          string   `json:"dedupe_key"`
	TaskID             string   `json:"task_id,omitempty"`
	Title              string   `json:"title"`
	OriginatingSpec    string   `json:"originating_spec,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	MappedFiles        []string `json:"mapped_files,omitempty"`
	MappedTests        []string `json:"mapped_tests,omitempty"`
	Status             string   `json:"status" enum:"planned,doing,done,blocked"`
	Notes              string   `json:"notes,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type Artifact struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	SessionID   string  `json:"session_id"`
	Key         string  `json:"key"`
	Status      string  `json:"status" enum:"pending,complete"`
	ContentType string  `json:"content_type"`
	SizeBytes   int64   `json:"size_bytes"`
	SHA256      string  `json:"sha256,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type TestRun struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Passed    bool   `json:"passed"`
	Total     int    `json:"total"`
	Failed    int    `json:"failed"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CoverageRun struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Percent   float64 `json:"percent"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type SecurityCheck struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status" enum:"pass,fail"`
	Findings  string `json:"findings,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Report struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Title       string `json:"title"`
	Kind        string `json:"kind"`
	ArtifactKey string `json:"artifact_key,omitempty"`
	Summary     string `json:"summary,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// AuditEntry rows are write-once; the repo exposes no update or delete.
type AuditEntry struct {
	ID         int64  `json:"id"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	ProjectID  string `json:"project_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Metadata   string `json:"metadata_json,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
