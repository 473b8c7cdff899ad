package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
)

type fakeRegistry struct {
	lastHeartbeat domain.HeartbeatRequest
	err           error
}

func (f *fakeRegistry) Register(_ context.Context, req domain.RegisterRequest) (*domain.RegisterResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RegisterResponse{AgentID: "agent-" + req.LogicalAgentID, Config: domain.AgentConfig{Mode: req.Mode}}, nil
}

func (f *fakeRegistry) Heartbeat(_ context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error) {
	f.lastHeartbeat = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.HeartbeatResponse{Status: domain.AgentOnline, Mode: domain.ModeAutoSwitch}, nil
}

type fakeOrchestrator struct {
	lastSignal domain.SignalRequest
	lastStatus domain.ReplicaStatusReport
	seen       map[string]bool
	err        error
}

func (f *fakeOrchestrator) HandleSignal(_ context.Context, req domain.SignalRequest) (*domain.InterruptionEvent, error) {
	f.lastSignal = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.InterruptionEvent{ID: "ev-1", AgentID: req.AgentID, InstanceID: req.InstanceID, SignalType: req.SignalType}, nil
}

func (f *fakeOrchestrator) ReportReplicaStatus(_ context.Context, rep domain.ReplicaStatusReport) (*domain.ReplicaStatusResult, bool, error) {
	f.lastStatus = rep
	if f.err != nil {
		return nil, false, f.err
	}
	replay := f.seen[rep.RequestID]
	f.seen[rep.RequestID] = true
	return &domain.ReplicaStatusResult{ReplicaID: rep.ReplicaID, Status: rep.Status, Version: 2}, replay, nil
}

func (f *fakeOrchestrator) ReportCommandResult(_ context.Context, rep domain.SwitchReport) (*domain.SwitchResult, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return &domain.SwitchResult{CommandID: "cmd-" + rep.RequestID, Status: domain.CommandExecuted}, false, nil
}

type fakeQueue struct {
	cmds     []*domain.Command
	lastWait time.Duration
}

func (f *fakeQueue) Poll(_ context.Context, agentID string, wait time.Duration) ([]*domain.Command, error) {
	f.lastWait = wait
	var out []*domain.Command
	for _, c := range f.cmds {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fixture struct {
	registry *fakeRegistry
	orch     *fakeOrchestrator
	queue    *fakeQueue
	gw       *Gateway
}

func newFixture(tokens ...string) *fixture {
	f := &fixture{
		registry: &fakeRegistry{},
		orch:     &fakeOrchestrator{seen: map[string]bool{}},
		queue:    &fakeQueue{},
	}
	f.gw = New(f.registry, f.orch, f.queue, zap.NewNop(), Options{AgentTokens: tokens, MaxWait: 20 * time.Second})
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	return rec
}

func TestRegisterRoundTrip(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/v1/agents/register",
		`{"client_id":"c1","logical_agent_id":"svc-a","instance_id":"i-1","instance_type":"m5.large","mode":"auto-switch"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "agent-svc-a", resp.AgentID)
	assert.Equal(t, domain.ModeAutoSwitch, resp.Config.Mode)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}

func TestPathParametersOverrideBody(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/v1/agents/agent-1/heartbeat", `{"agent_id":"spoofed","current_mode":"none"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-1", f.registry.lastHeartbeat.AgentID)

	rec = f.do(http.MethodPost, "/v1/agents/agent-1/signals",
		`{"instance_id":"i-1","signal_type":"termination","detected_at":"2026-03-01T12:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-1", f.orch.lastSignal.AgentID)
	assert.Equal(t, domain.SignalTermination, f.orch.lastSignal.SignalType)

	rec = f.do(http.MethodPost, "/v1/replicas/r-1/status", `{"status":"ready","request_id":"R1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r-1", f.orch.lastStatus.ReplicaID)
}

func TestDuplicateReportIsMarkedAsReplay(t *testing.T) {
	f := newFixture()
	body := `{"status":"ready","request_id":"R1"}`

	first := f.do(http.MethodPost, "/v1/replicas/r-1/status", body)
	second := f.do(http.MethodPost, "/v1/replicas/r-1/status", body)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Empty(t, first.Header().Get(replayHeader))
	assert.Equal(t, "true", second.Header().Get(replayHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestPollReturnsCommandsAndClampsWait(t *testing.T) {
	f := newFixture()
	f.queue.cmds = []*domain.Command{
		{ID: "c1", AgentID: "agent-1", Type: domain.CmdPromoteReplica, Priority: domain.PriorityEmergency, RequestID: "r1"},
		{ID: "c2", AgentID: "agent-2", Type: domain.CmdCreateReplica, Priority: domain.PriorityAutomatic, RequestID: "r2"},
	}

	rec := f.do(http.MethodGet, "/v1/agents/agent-1/commands?wait=5m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20*time.Second, f.queue.lastWait)

	var resp commandsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Commands, 1)
	assert.Equal(t, "c1", resp.Commands[0].ID)
	assert.Equal(t, domain.PriorityEmergency, resp.Commands[0].Priority)

	rec = f.do(http.MethodGet, "/v1/agents/agent-3/commands", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"commands":[]}`, rec.Body.String())
	assert.Zero(t, f.queue.lastWait)

	rec = f.do(http.MethodGet, "/v1/agents/agent-1/commands?wait=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.NewConflict("instance", "i-1", "promote"), http.StatusConflict},
		{&domain.InvariantViolation{AgentID: "a", Detail: "second primary"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("get agent: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: bad mode", domain.ErrInvalidRequest), http.StatusBadRequest},
		{domain.ErrAgentRetired, http.StatusGone},
		{fmt.Errorf("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture()
		f.registry.err = tc.err
		rec := f.do(http.MethodPost, "/v1/agents/agent-1/heartbeat", `{}`)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body["error"])
	}
}

func TestInternalErrorDetailsAreHidden(t *testing.T) {
	f := newFixture()
	f.orch.err = fmt.Errorf("pq: connection refused to 10.0.0.5")
	rec := f.do(http.MethodPost, "/v1/commands/report", `{"request_id":"r1","success":true}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestMalformedBodyIsRejected(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/v1/agents/register", `{"client_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentTokenIsRequiredWhenConfigured(t *testing.T) {
	f := newFixture("token-a", "token-b")

	rec := f.do(http.MethodPost, "/v1/agents/agent-1/heartbeat", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/v1/agents/agent-1/heartbeat", `{}`, agentTokenHeader, "token-c")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/v1/agents/agent-1/heartbeat", `{}`, agentTokenHeader, "token-b")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "liveness stays public")
}
