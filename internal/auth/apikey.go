// Package auth provides authentication middleware for API key and JWT-based
// client authentication.
package auth

import (
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the request header carrying the API key
	APIKeyHeader = "X-Api-Key"

	clientContextKey contextKey = "client"
)

// APIKeyMiddleware validates client and admin API keys on HTTP routes.
type APIKeyMiddleware struct {
	clientKeys  map[string]bool
	adminAPIKey string
	jwtManager  *JWTManager
}

// NewAPIKeyMiddleware creates middleware validating the given client keys,
// plus the admin key on admin routes. A nil jwtManager disables bearer
// token fallback.
func NewAPIKeyMiddleware(clientKeys []string, adminAPIKey string, jwtManager *JWTManager) *APIKeyMiddleware {
	keys := make(map[string]bool, len(clientKeys))
	for _, k := range clientKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			keys[k] = true
		}
	}
	return &APIKeyMiddleware{
		clientKeys:  keys,
		adminAPIKey: adminAPIKey,
		jwtManager:  jwtManager,
	}
}

// RequireClient authenticates the request with a client API key, the admin
// key, or a bearer token.
func (m *APIKeyMiddleware) RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No keys configured means open access (development mode)
		if len(m.clientKeys) == 0 && m.adminAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		if key := extractAPIKey(r); key != "" {
			if m.clientKeys[key] || (m.adminAPIKey != "" && key == m.adminAPIKey) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}

		if token := extractBearer(r); token != "" && m.jwtManager != nil {
			if _, err := m.jwtManager.ValidateToken(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		http.Error(w, "missing credentials", http.StatusUnauthorized)
	})
}

// RequireAdmin authenticates the request with the admin API key only.
func (m *APIKeyMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminAPIKey == "" {
			http.Error(w, "admin API key not configured", http.StatusForbidden)
			return
		}
		if extractAPIKey(r) != m.adminAPIKey {
			http.Error(w, "invalid admin API key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
