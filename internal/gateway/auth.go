package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

const agentTokenHeader = "X-Agent-Token"

// agentTokenMiddleware пропускает только запросы с известным токеном агента.
func agentTokenMiddleware(tokens []string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(tokens) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(agentTokenHeader)
			if token == "" || !knownToken(tokens, token) {
				logger.Warn("agent request rejected", zap.String("path", r.URL.Path), zap.Bool("token_present", token != ""))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "security_violation", "message": "missing or invalid agent token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func knownToken(tokens []string, token string) bool {
	found := 0
	// Сравниваем со всеми, не выходя раньше
	for _, t := range tokens {
		found |= subtle.ConstantTimeCompare([]byte(t), []byte(token))
	}
	return found == 1
}
