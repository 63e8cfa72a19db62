package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// withAuth wraps the API with bearer-token authentication. Health checks
// stay open so probes work without credentials. An empty configured token
// rejects everything but /healthz.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing credentials")
			return
		}
		if !s.tokenValid(token) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken checks, in order: Authorization: Bearer <token>, the
// X-API-Key header, and the api_key query param. The query param exists
// for WebSocket clients that cannot set headers.
func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func (s *Server) tokenValid(candidate string) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.AuthToken)) == 1
}
