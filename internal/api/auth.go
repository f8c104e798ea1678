package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// unauthorizedMessage is returned with every 401.
const unauthorizedMessage = "Unauthorized: Invalid or missing auth key"

// ValidateAuth reports whether r carries secret as a bearer token, in the
// X-Auth-Key header, or in the auth_key query parameter. An empty secret
// disables authentication.
func ValidateAuth(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	want := []byte(secret)
	for _, got := range credentials(r) {
		if subtle.ConstantTimeCompare([]byte(got), want) == 1 {
			return true
		}
	}
	return false
}

func credentials(r *http.Request) []string {
	var creds []string
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			creds = append(creds, strings.TrimSpace(token))
		}
	}
	if h := r.Header.Get("X-Auth-Key"); h != "" {
		creds = append(creds, h)
	}
	if q := r.URL.Query().Get("auth_key"); q != "" {
		creds = append(creds, q)
	}
	return creds
}

// authMiddleware rejects requests without a valid auth key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ValidateAuth(r, s.cfg.Server.AuthKey) {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			s.fail(w, r, ErrAuth)
			return
		}
		next.ServeHTTP(w, r)
	})
}
