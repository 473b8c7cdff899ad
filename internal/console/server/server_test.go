package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/console/handler"
	"github.com/xela07ax/spotguard/internal/console/service"
	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/engine"
	"github.com/xela07ax/spotguard/internal/infra/auth"
)

type fakeFleet struct {
	agents    map[string]*domain.Agent
	lastActor string
	lastPool  string
}

func (f *fakeFleet) lookup(agentID string) (*domain.Agent, error) {
	a, ok := f.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return a, nil
}

func (f *fakeFleet) List(_ context.Context, includeRetired bool) ([]*domain.Agent, error) {
	var out []*domain.Agent
	for _, a := range f.agents {
		if includeRetired || a.Status != domain.AgentDeleted {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeFleet) Get(_ context.Context, agentID string) (*engine.AgentState, error) {
	a, err := f.lookup(agentID)
	if err != nil {
		return nil, err
	}
	return &engine.AgentState{Agent: a, Instances: []*domain.Instance{{ID: "i-1", AgentID: a.ID, Role: domain.RolePrimary}}}, nil
}

func (f *fakeFleet) SetMode(_ context.Context, agentID string, mode domain.Mode, actor string) (*domain.Agent, error) {
	a, err := f.lookup(agentID)
	if err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidRequest, mode)
	}
	f.lastActor = actor
	a.ApplyMode(mode)
	return a, nil
}

func (f *fakeFleet) SwitchPool(_ context.Context, agentID, poolID, actor string) (*domain.Command, error) {
	if _, err := f.lookup(agentID); err != nil {
		return nil, err
	}
	f.lastActor, f.lastPool = actor, poolID
	return &domain.Command{ID: "cmd-1", AgentID: agentID, Type: domain.CmdSwitchPool, Priority: domain.PriorityManual, TargetPoolID: poolID}, nil
}

func (f *fakeFleet) Disable(_ context.Context, agentID, actor string) (*domain.Agent, error) {
	return f.setStatus(agentID, domain.AgentDisabled, actor)
}

func (f *fakeFleet) Enable(_ context.Context, agentID, actor string) (*domain.Agent, error) {
	a, err := f.lookup(agentID)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AgentDisabled {
		return nil, fmt.Errorf("%w: agent %s is %s", domain.ErrInvalidTransition, agentID, a.Status)
	}
	return f.setStatus(agentID, domain.AgentOffline, actor)
}

func (f *fakeFleet) Retire(_ context.Context, agentID, actor string) (*domain.Agent, error) {
	return f.setStatus(agentID, domain.AgentDeleted, actor)
}

func (f *fakeFleet) setStatus(agentID string, status domain.AgentStatus, actor string) (*domain.Agent, error) {
	a, err := f.lookup(agentID)
	if err != nil {
		return nil, err
	}
	f.lastActor = actor
	a.Status = status
	return a, nil
}

type fakeQueue struct{}

func (fakeQueue) Pending(_ context.Context, agentID string) ([]*domain.Command, error) {
	return []*domain.Command{{ID: "open-1", AgentID: agentID, Priority: domain.PriorityEmergency}}, nil
}

func (fakeQueue) History(_ context.Context, agentID string, limit int) ([]*domain.Command, error) {
	return []*domain.Command{{ID: "old-1", AgentID: agentID}, {ID: "old-2", AgentID: agentID}}[:min(limit, 2)], nil
}

type fakeEvents struct{}

func (fakeEvents) ListEvents(_ context.Context, agentID string, _ int) ([]*domain.InterruptionEvent, error) {
	return nil, nil
}

type fakeTransitions struct{ limit int }

func (f *fakeTransitions) ListTransitions(_ context.Context, agentID string, limit int) ([]audit.TransitionEvent, error) {
	f.limit = limit
	return []audit.TransitionEvent{{ID: "t-1", AgentID: agentID, EntityType: audit.EntityAgent, PostState: "online/none"}}, nil
}

type consoleFixture struct {
	srv         *ConsoleServer
	fleet       *fakeFleet
	transitions *fakeTransitions
	key         *rsa.PrivateKey
}

func newConsole(t *testing.T) *consoleFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fleet := &fakeFleet{agents: map[string]*domain.Agent{
		"agent-1": {ID: "agent-1", Status: domain.AgentOnline},
		"agent-2": {ID: "agent-2", Status: domain.AgentDeleted},
	}}
	transitions := &fakeTransitions{}
	logger := zap.NewNop()
	agentH := handler.NewAgentHandler(service.NewAgentService(fleet, fakeQueue{}, fakeEvents{}, logger), logger)
	auditH := handler.NewAuditHandler(service.NewAuditService(transitions))

	return &consoleFixture{
		srv:         NewConsoleServer(logger, auth.NewBaseValidator(&key.PublicKey, ""), agentH, auditH),
		fleet:       fleet,
		transitions: transitions,
		key:         key,
	}
}

func (c *consoleFixture) token(t *testing.T, scopes ...string) string {
	t.Helper()
	claims := &domain.OperatorClaims{
		OperatorID: "ops@example.com",
		Scopes:     map[string]bool{},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	for _, s := range scopes {
		claims.Scopes[s] = true
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	require.NoError(t, err)
	return "Bearer " + signed
}

func (c *consoleFixture) call(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	c.srv.ServeHTTP(rec, req)
	return rec
}

func TestConsoleRequiresFleetAdmin(t *testing.T) {
	c := newConsole(t)

	assert.Equal(t, http.StatusOK, c.call(http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, c.call(http.MethodGet, "/v1/agents", "", "").Code)
	assert.Equal(t, http.StatusForbidden, c.call(http.MethodGet, "/v1/agents", "", c.token(t, "fleet.read")).Code)
	assert.Equal(t, http.StatusOK, c.call(http.MethodGet, "/v1/agents", "", c.token(t, domain.ScopeFleetAdmin)).Code)
}

func TestListAndGetAgents(t *testing.T) {
	c := newConsole(t)
	admin := c.token(t, domain.ScopeFleetAdmin)

	var agents []domain.Agent
	rec := c.call(http.MethodGet, "/v1/agents", "", admin)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.Len(t, agents, 1)

	rec = c.call(http.MethodGet, "/v1/agents?all=true", "", admin)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.Len(t, agents, 2)

	rec = c.call(http.MethodGet, "/v1/agents/agent-1", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var details service.AgentDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.Equal(t, domain.ModeNone, details.Mode)
	assert.Len(t, details.Instances, 1)
	assert.NotNil(t, details.Events)

	assert.Equal(t, http.StatusNotFound, c.call(http.MethodGet, "/v1/agents/ghost", "", admin).Code)
}

func TestOperatorActionsCarryActor(t *testing.T) {
	c := newConsole(t)
	admin := c.token(t, domain.ScopeFleetAdmin)

	rec := c.call(http.MethodPut, "/v1/agents/agent-1/mode", `{"mode":"manual-replica"}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ModeManualReplica, c.fleet.agents["agent-1"].Mode())
	assert.Equal(t, "ops@example.com", c.fleet.lastActor)

	rec = c.call(http.MethodPut, "/v1/agents/agent-1/mode", `{"mode":"sometimes"}`, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.call(http.MethodPost, "/v1/agents/agent-1/switch", `{"pool_id":"m5.large@us-east-1c"}`, admin)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "m5.large@us-east-1c", c.fleet.lastPool)

	rec = c.call(http.MethodPost, "/v1/agents/agent-1/switch", "", admin)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, c.fleet.lastPool, "empty body lets the engine pick the pool")

	assert.Equal(t, http.StatusConflict, c.call(http.MethodPost, "/v1/agents/agent-1/enable", "", admin).Code)
	assert.Equal(t, http.StatusOK, c.call(http.MethodPost, "/v1/agents/agent-1/disable", "", admin).Code)
	assert.Equal(t, http.StatusOK, c.call(http.MethodPost, "/v1/agents/agent-1/enable", "", admin).Code)
	assert.Equal(t, domain.AgentOffline, c.fleet.agents["agent-1"].Status)

	assert.Equal(t, http.StatusOK, c.call(http.MethodPost, "/v1/agents/agent-1/retire", "", admin).Code)
	assert.Equal(t, domain.AgentDeleted, c.fleet.agents["agent-1"].Status)
}

func TestQueueEventsAndTransitions(t *testing.T) {
	c := newConsole(t)
	admin := c.token(t, domain.ScopeFleetAdmin)

	var cmds []domain.Command
	rec := c.call(http.MethodGet, "/v1/agents/agent-1/commands", "", admin)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, "open-1", cmds[0].ID)

	rec = c.call(http.MethodGet, "/v1/agents/agent-1/commands?history=true&limit=1", "", admin)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmds))
	require.Len(t, cmds, 1)
	assert.Equal(t, "old-1", cmds[0].ID)

	assert.Equal(t, http.StatusNotFound, c.call(http.MethodGet, "/v1/agents/ghost/commands", "", admin).Code)

	rec = c.call(http.MethodGet, "/v1/agents/agent-1/events", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = c.call(http.MethodGet, "/v1/agents/agent-1/transitions?limit=20", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, c.transitions.limit)
	assert.Contains(t, rec.Body.String(), `"post_state":"online/none"`)
}
