package sessiongatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sessiongate HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                 string   `json:"id"`
	SessionID          string   `json:"session_id"`
	DedupeKey          string   `json:"dedupe_key"`
	Title              string   `json:"title"`
	OriginatingSpec    string   `json:"originating_spec,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	MappedFiles        []string `json:"mapped_files,omitempty"`
	MappedTests        []string `json:"mapped_tests,omitempty"`
	Status             string   `json:"status"`
	Notes              string   `json:"notes,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

// Artifact represents a stored artifact record.
type Artifact struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	SessionID   string `json:"session_id"`
	Key         string `json:"key"`
	Status      string `json:"status"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Presign is a time-boxed URL for one object operation.
type Presign struct {
	URL              string `json:"url"`
	Key              string `json:"key"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// GateCheck is one readiness check result.
type GateCheck struct {
	Name    string         `json:"name"`
	OK      bool           `json:"ok"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// GateVerdict is the combined gate evaluation.
type GateVerdict struct {
	SessionID   string      `json:"session_id"`
	OK          bool        `json:"ok"`
	Checks      []GateCheck `json:"checks"`
	EvaluatedAt string      `json:"evaluated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ExchangeToken trades an API key for a bearer token and stores it on the
// client for subsequent calls.
func (c *Client) ExchangeToken(ctx context.Context, apiKey, role, sessionID string) (string, error) {
	body := map[string]any{
		"api_key": apiKey,
		"role":    role,
	}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/auth/token", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// UpsertTask inserts or updates a task in the session.
func (c *Client) UpsertTask(ctx context.Context, sessionID string, task Task) (Task, error) {
	body := map[string]any{
		"dedupe_key":          task.DedupeKey,
		"title":               task.Title,
		"originating_spec":    task.OriginatingSpec,
		"acceptance_criteria": task.AcceptanceCriteria,
		"mapped_files":        task.MappedFiles,
		"mapped_tests":        task.MappedTests,
		"status":              task.Status,
		"notes":               task.Notes,
	}
	var resp Task
	err := c.do(ctx, http.MethodPut, c.sessionPath(sessionID, "tasks"), body, &resp)
	return resp, err
}

// PresignPut requests an upload URL for a new artifact.
func (c *Client) PresignPut(ctx context.Context, sessionID, name, contentType string, sizeBytes int64, iteration int) (Presign, error) {
	body := map[string]any{
		"name":         name,
		"content_type": contentType,
		"size_bytes":   sizeBytes,
	}
	if iteration > 0 {
		body["iteration"] = iteration
	}
	var resp Presign
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "artifacts/presign-put"), body, &resp)
	return resp, err
}

// CompleteArtifact marks an uploaded artifact complete.
func (c *Client) CompleteArtifact(ctx context.Context, sessionID, key, sha256 string, sizeBytes int64) (Artifact, error) {
	body := map[string]any{
		"key":        key,
		"sha256":     sha256,
		"size_bytes": sizeBytes,
	}
	var resp Artifact
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "artifacts/complete"), body, &resp)
	return resp, err
}

// PresignGet requests a download URL for a completed artifact.
func (c *Client) PresignGet(ctx context.Context, sessionID, key string) (Presign, error) {
	var resp Presign
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "artifacts/presign-get"), map[string]any{"key": key}, &resp)
	return resp, err
}

// RecordTestRun reports a test run signal.
func (c *Client) RecordTestRun(ctx context.Context, sessionID string, passed bool, total, failed int, details string) error {
	body := map[string]any{
		"passed":  passed,
		"total":   total,
		"failed":  failed,
		"details": details,
	}
	return c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "test-runs"), body, nil)
}

// RecordCoverageRun reports a coverage signal.
func (c *Client) RecordCoverageRun(ctx context.Context, sessionID string, percent float64) error {
	return c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "coverage-runs"), map[string]any{"percent": percent}, nil)
}

// RecordSecurityCheck reports a security scan result.
func (c *Client) RecordSecurityCheck(ctx context.Context, sessionID, status, findings string) error {
	body := map[string]any{
		"status":   status,
		"findings": findings,
	}
	return c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "security-checks"), body, nil)
}

// EvaluateGates fetches the session's gate verdict.
func (c *Client) EvaluateGates(ctx context.Context, sessionID string) (GateVerdict, error) {
	var resp GateVerdict
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "gates/evaluate"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(sessionID, p string) string {
	return fmt.Sprintf("v1/sessions/%s/%s", url.PathEscape(sessionID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
