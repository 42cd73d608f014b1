package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(t *testing.T, handler http.Handler, header, value string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRequireClient_ValidKey(t *testing.T) {
	mw := NewAPIKeyMiddleware([]string{"client-key"}, "admin-key", nil)
	handler := mw.RequireClient(okHandler())

	if code := doRequest(t, handler, APIKeyHeader, "client-key"); code != http.StatusOK {
		t.Errorf("client key: got %d, want 200", code)
	}
	if code := doRequest(t, handler, APIKeyHeader, "admin-key"); code != http.StatusOK {
		t.Errorf("admin key on client route: got %d, want 200", code)
	}
	if code := doRequest(t, handler, APIKeyHeader, "wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong key: got %d, want 401", code)
	}
	if code := doRequest(t, handler, "", ""); code != http.StatusUnauthorized {
		t.Errorf("missing credentials: got %d, want 401", code)
	}
}

func TestRequireClient_OpenWhenUnconfigured(t *testing.T) {
	mw := NewAPIKeyMiddleware(nil, "", nil)
	handler := mw.RequireClient(okHandler())

	if code := doRequest(t, handler, "", ""); code != http.StatusOK {
		t.Errorf("unconfigured auth should pass, got %d", code)
	}
}

func TestRequireClient_BearerToken(t *testing.T) {
	manager := NewJWTManager(DefaultJWTConfig("test-secret"))
	mw := NewAPIKeyMiddleware([]string{"client-key"}, "", manager)
	handler := mw.RequireClient(okHandler())

	token, err := manager.GenerateToken("client")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if code := doRequest(t, handler, "Authorization", "Bearer "+token); code != http.StatusOK {
		t.Errorf("valid bearer: got %d, want 200", code)
	}
	if code := doRequest(t, handler, "Authorization", "Bearer garbage"); code != http.StatusUnauthorized {
		t.Errorf("invalid bearer: got %d, want 401", code)
	}
}

func TestRequireAdmin(t *testing.T) {
	mw := NewAPIKeyMiddleware([]string{"client-key"}, "admin-key", nil)
	handler := mw.RequireAdmin(okHandler())

	if code := doRequest(t, handler, APIKeyHeader, "admin-key"); code != http.StatusOK {
		t.Errorf("admin key: got %d, want 200", code)
	}
	if code := doRequest(t, handler, APIKeyHeader, "client-key"); code != http.StatusForbidden {
		t.Errorf("client key on admin route: got %d, want 403", code)
	}

	unconfigured := NewAPIKeyMiddleware(nil, "", nil)
	if code := doRequest(t, unconfigured.RequireAdmin(okHandler()), APIKeyHeader, "anything"); code != http.StatusForbidden {
		t.Errorf("unconfigured admin key: got %d, want 403", code)
	}
}
