package server

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthMiddleware checks the bearer token against the configured bcrypt hash.
// It passes every request through when no hash is configured.
func (s *IngestServer) AuthMiddleware(next http.Handler) http.Handler {
	if s.opts.UploadTokenHash == "" {
		return next
	}
	hash := []byte(s.opts.UploadTokenHash)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		var token string
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="SessionLog"`)
			writeError(w, http.StatusUnauthorized, "Unauthorized: Missing token")
			return
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="SessionLog"`)
			writeError(w, http.StatusUnauthorized, "Unauthorized: Invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
