package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// RequireToken checks for the shared API token, either as a bearer token in
// the Authorization header or as ?token= (browsers cannot set headers on
// WebSocket connections). An empty token disables the check.
func RequireToken(token string, logger *zap.Logger, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	logger = logger.Named("auth")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := TokenFromRequest(r)
		if !ok {
			logger.Debug("No API token on request", zap.String("path", r.URL.Path))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.Warn("Rejected request with a wrong API token", zap.String("path", r.URL.Path))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenFromRequest extracts the token. The Bearer scheme is
// case-insensitive per RFC 7235.
func TokenFromRequest(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		fields := strings.Fields(authHeader)
		if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
			return "", false
		}
		token := strings.TrimSpace(strings.Join(fields[1:], " "))
		return token, token != ""
	}
	token := r.URL.Query().Get("token")
	return token, token != ""
}
