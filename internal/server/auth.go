package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"sessiongate/internal/token"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p token.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (token.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(token.Principal)
	return p, ok
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware verifies the bearer token on every API request. The
// health endpoint and the credential exchange route are the only open paths.
func newAuthMiddleware(basePath string, signer token.Signer, logger *log.Logger) func(http.Handler) http.Handler {
	openPaths := map[string]bool{
		path.Join(basePath, "health"):     true,
		path.Join(basePath, "auth/token"): true,
		path.Join(basePath, "openapi"):    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if openPaths[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			raw, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil))
				return
			}
			principal, err := signer.Verify(raw)
			if err != nil {
				logger.Printf("rejected token on %s %s: %v", req.Method, req.URL.Path, err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "invalid or expired token", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

// requireRole checks the caller's role against the route's capability set.
// There is no role hierarchy; a route either names a role or it does not.
func requireRole(ctx context.Context, roles ...string) (token.Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return token.Principal{}, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
	}
	for _, r := range roles {
		if p.Role == r {
			return p, nil
		}
	}
	return token.Principal{}, newAPIError(http.StatusForbidden, "forbidden", "role not permitted for this operation",
		map[string]any{"role": p.Role})
}

// requireSessionScope additionally enforces the token's session claim. A
// token scoped to one session cannot act on another; tokens without the
// claim are unscoped.
func requireSessionScope(ctx context.Context, sessionID string, roles ...string) (token.Principal, huma.StatusError) {
	p, statusErr := requireRole(ctx, roles...)
	if statusErr != nil {
		return token.Principal{}, statusErr
	}
	if p.SessionID != "" && p.SessionID != sessionID {
		return token.Principal{}, newAPIError(http.StatusForbidden, "forbidden", "token is scoped to another session",
			map[string]any{"session_id": sessionID})
	}
	return p, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
