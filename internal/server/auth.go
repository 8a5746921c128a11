package server

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireToken checks the Authorization bearer token against the configured
// bcrypt hash. An empty hash disables the check for loopback-only setups.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(token)); err != nil {
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("rejected operator token")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Websocket clients that cannot set headers pass the token as a query
	// parameter instead.
	return r.URL.Query().Get("token")
}
