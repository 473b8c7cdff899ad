package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// ScopeFleetAdmin — право на операторские действия в консоли.
const ScopeFleetAdmin = "fleet.admin"

// OperatorClaims — claims RS256-токена оператора. Токены выпускает внешний IdP.
type OperatorClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"` // "fleet.admin": true
	jwt.RegisteredClaims
}

// Operator — идентичность для поля actor в журнале переходов.
func (c *OperatorClaims) Operator() string {
	if c.OperatorID != "" {
		return c.OperatorID
	}
	return c.Subject
}
