package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims *domain.OperatorClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func operatorClaims(scopes map[string]bool, ttl time.Duration) *domain.OperatorClaims {
	return &domain.OperatorClaims{
		OperatorID: "ops@example.com",
		Scopes:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "idp.example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestVerifyToken(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey, "idp.example.com")

	claims, err := v.VerifyToken("Bearer " + signToken(t, key, operatorClaims(map[string]bool{domain.ScopeFleetAdmin: true}, time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Operator())
	assert.True(t, claims.Scopes[domain.ScopeFleetAdmin])

	_, err = v.VerifyToken(signToken(t, key, operatorClaims(nil, -time.Minute)))
	assert.Error(t, err, "expired")

	_, err = v.VerifyToken(signToken(t, newKey(t), operatorClaims(nil, time.Hour)))
	assert.Error(t, err, "foreign key")

	other := operatorClaims(nil, time.Hour)
	other.Issuer = "someone-else"
	_, err = v.VerifyToken(signToken(t, key, other))
	assert.Error(t, err, "wrong issuer")

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, operatorClaims(nil, time.Hour)).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.VerifyToken(hs)
	assert.Error(t, err, "symmetric algorithm")
}

func TestParseRSAPublicKey(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParseRSAPublicKey(data)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsed))

	_, err = ParseRSAPublicKey(nil)
	assert.Error(t, err)
}

func TestMiddlewareEnforcesScope(t *testing.T) {
	key := newKey(t)
	mw := NewMiddleware(NewBaseValidator(&key.PublicKey, ""), domain.ScopeFleetAdmin, zap.NewNop())

	var seen string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		seen = claims.Operator()
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer garbage"))
	assert.Equal(t, http.StatusForbidden, call("Bearer "+signToken(t, key, operatorClaims(map[string]bool{"fleet.read": true}, time.Hour))))
	assert.Equal(t, http.StatusNoContent, call("Bearer "+signToken(t, key, operatorClaims(map[string]bool{domain.ScopeFleetAdmin: true}, time.Hour))))
	assert.Equal(t, "ops@example.com", seen)
}
