package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serveAuth(t *testing.T, token, path, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	s := &Server{config: Config{AuthToken: token}}
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	s.authMiddleware(okHandler()).ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware_NoToken_NoOp(t *testing.T) {
	rec := serveAuth(t, "", "/artifacts", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	rec := serveAuth(t, "test-token-123", "/artifacts", "Bearer test-token-123")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	rec := serveAuth(t, "test-token-123", "/artifacts", "Bearer wrong-token")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"])
}

func TestAuthMiddleware_MissingOrWrongScheme(t *testing.T) {
	require.Equal(t, http.StatusUnauthorized, serveAuth(t, "test-token-123", "/artifacts", "").Code)
	require.Equal(t, http.StatusUnauthorized, serveAuth(t, "test-token-123", "/artifacts", "Basic dXNlcjpwYXNz").Code)
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			require.Equal(t, http.StatusOK, serveAuth(t, "test-token-123", path, "").Code)
		})
	}
}

func TestAuthMiddleware_ProtectedPaths(t *testing.T) {
	for _, path := range []string{"/artifacts", "/stats", "/admin/gc", "/admin/gc/status", "/health/", "/metrics/extra"} {
		t.Run(path, func(t *testing.T) {
			require.Equal(t, http.StatusUnauthorized, serveAuth(t, "test-token-123", path, "").Code)
		})
	}
}
