package infra

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spotguard/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spotguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFlag(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  url: "file:ledger.db"
engine:
  termination_deadline: 90s
  enforcer_workers: 4
auth:
  agent_tokens: [tok-a, tok-b]
pricing:
  source: static
  static:
    - region: us-east-1
      instance_type: m5.large
      pool_id: m5.large@us-east-1a
      az: us-east-1a
      price: 0.05
      risk: 0.1
`)
	cfg, err := LoadConfig([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Engine.TerminationDeadline)
	assert.Equal(t, 4, cfg.Engine.EnforcerWorkers)
	assert.Equal(t, []string{"tok-a", "tok-b"}, cfg.Auth.AgentTokens)
	require.Len(t, cfg.Pricing.Static, 1)
	assert.Equal(t, "m5.large@us-east-1a", cfg.Pricing.Static[0].PoolID)
	assert.InDelta(t, 0.05, cfg.Pricing.Static[0].Price, 1e-9)

	// Дефолты
	assert.Equal(t, 10*time.Second, cfg.Engine.EnforcerInterval)
	assert.Equal(t, 24*time.Hour, cfg.Engine.IdempotencyTTL)
	assert.Equal(t, "local", cfg.Decision.Strategy)
	assert.Equal(t, ":8080", cfg.Server.Addr())
}

func TestLoadConfigValidates(t *testing.T) {
	cases := map[string]string{
		"unknown driver": "database: {driver: mysql, url: x}",
		"missing url":    "database: {driver: sqlite}",
		"remote no addr": "database: {driver: sqlite, url: x}\ndecision: {strategy: remote}",
		"redis pricing":  "database: {driver: sqlite, url: x}\npricing: {source: redis}",
	}
	for name, body := range cases {
		_, err := LoadConfig([]string{"--config", writeConfig(t, body)})
		assert.Error(t, err, name)
	}

	_, err := LoadConfig([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err, "explicit path must exist")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(domain.NewConflict("agent", "a", "set-mode")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(fmt.Errorf("enable: %w", domain.ErrInvalidTransition)))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(&domain.InvariantViolation{AgentID: "a"}))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(domain.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(domain.ErrNoPool))
	assert.Equal(t, http.StatusGone, HTTPStatus(domain.ErrAgentRetired))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))

	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("secret dsn"))
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
