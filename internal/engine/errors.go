package engine

import "net/http"

// PolicyError is a domain rejection with a stable wire code. The HTTP layer
// maps it straight onto the error envelope without re-classifying.
type PolicyError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
}

func (e PolicyError) Error() string { return e.Message }

func invalidRequest(msg string, details map[string]any) PolicyError {
	return PolicyError{Code: "invalid_request", Status: http.StatusBadRequest, Message: msg, Details: details}
}

func invalidName(name string) PolicyError {
	return PolicyError{
		Code:    "invalid_name",
		Status:  http.StatusBadRequest,
		Message: "artifact name contains unsafe characters",
		Details: map[string]any{"name": name},
	}
}

func contentTypeNotAllowed(contentType string) PolicyError {
	return PolicyError{
		Code:    "content_type_not_allowed",
		Status:  http.StatusBadRequest,
		Message: "content type is not in the allow-list",
		Details: map[string]any{"content_type": contentType},
	}
}

func artifactTooLarge(sizeBytes, maxBytes int64) PolicyError {
	return PolicyError{
		Code:    "artifact_too_large",
		Status:  http.StatusBadRequest,
		Message: "declared size exceeds the artifact ceiling",
		Details: map[string]any{"size_bytes": sizeBytes, "max_size_bytes": maxBytes},
	}
}

func notFound(code, msg string) PolicyError {
	return PolicyError{Code: code, Status: http.StatusNotFound, Message: msg}
}

func projectNotFound(id string) PolicyError {
	return notFound("project_not_found", "project "+id+" not found")
}

func sessionNotFound(id string) PolicyError {
	return notFound("session_not_found", "session "+id+" not found")
}

func artifactNotFound(key string) PolicyError {
	return notFound("artifact_not_found", "artifact "+key+" not found")
}

func artifactNotComplete(key string) PolicyError {
	return notFound("artifact_not_found_or_not_complete", "artifact "+key+" not found or not complete")
}
