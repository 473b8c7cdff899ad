package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/infra"
)

// TokenValidator — проверка операторского токена (RS256).
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
}

type ctxKey struct{}

// NewMiddleware пропускает только токены с нужным scope и кладет claims в контекст.
func NewMiddleware(v TokenValidator, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				infra.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				infra.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			if !claims.Scopes[scope] {
				logger.Warn("scope denied", zap.String("operator", claims.Operator()), zap.String("scope", scope))
				infra.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "missing scope " + scope})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func WithClaims(ctx context.Context, claims *domain.OperatorClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// ClaimsFromContext возвращает claims, положенные NewMiddleware.
func ClaimsFromContext(ctx context.Context) (*domain.OperatorClaims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(*domain.OperatorClaims)
	return claims, ok
}
