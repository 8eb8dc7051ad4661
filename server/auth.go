package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// unauthenticatedPaths are served without a token so health checks and scrapers keep working.
var unauthenticatedPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware validates bearer tokens. It is a no-op when AuthToken is empty.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthenticatedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
