package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spotguard/internal/domain"
)

// Повторная доставка того же отчета отдает закешированный ответ, леджер меняется один раз.
func TestDuplicateStatusReportIsServedFromCache(t *testing.T) {
	h := newHarness(t)
	agentID, _ := h.register("svc-a", domain.ModeManualReplica)
	replica := h.onlyReplica(agentID)

	report := domain.ReplicaStatusReport{ReplicaID: replica.ID, Status: domain.InstanceReady, RequestID: "R1"}
	first, hit, err := h.orch.ReportReplicaStatus(h.ctx, report)
	require.NoError(t, err)
	assert.False(t, hit)

	afterFirst := h.instance(replica.ID)
	audited := len(h.auditor.forEntity(replica.ID))

	h.clock.Advance(3 * time.Second)
	second, hit, err := h.orch.ReportReplicaStatus(h.ctx, report)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)

	afterSecond := h.instance(replica.ID)
	assert.Equal(t, afterFirst.Version, afterSecond.Version)
	assert.Equal(t, afterFirst.ReadyAt, afterSecond.ReadyAt)
	assert.Len(t, h.auditor.forEntity(replica.ID), audited)
}

func TestDuplicateCommandResultIsServedFromCache(t *testing.T) {
	h := newHarness(t)
	agentID, _ := h.register("svc-a", domain.ModeNone)
	cmd, err := h.registry.SwitchPool(h.ctx, agentID, "", "ops@example.com")
	require.NoError(t, err)

	report := domain.SwitchReport{RequestID: cmd.RequestID, Success: true, NewInstanceID: "i-switched"}
	first, hit, err := h.orch.ReportCommandResult(h.ctx, report)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, domain.CommandExecuted, first.Status)
	assert.Equal(t, "i-switched", first.PrimaryID)

	second, hit, err := h.orch.ReportCommandResult(h.ctx, report)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.activePrimaries(agentID))
}

func TestTerminateReportConfirmsOrRetries(t *testing.T) {
	h := newHarness(t)
	agentID, _ := h.register("svc-a", domain.ModeManualReplica)
	replica := h.onlyReplica(agentID)
	_, err := h.registry.SetMode(h.ctx, agentID, domain.ModeNone, "ops@example.com")
	require.NoError(t, err)

	terms := h.openCommands(agentID, domain.CmdTerminateInstance)
	require.Len(t, terms, 1)

	// Неудача: новая версия инстанса, следующий тик выпускает команду с новым requestId
	res, _, err := h.orch.ReportCommandResult(h.ctx, domain.SwitchReport{RequestID: terms[0].RequestID, Success: false, Message: "api throttled"})
	require.NoError(t, err)
	assert.Equal(t, domain.CommandFailed, res.Status)
	assert.Empty(t, h.openCommands(agentID, domain.CmdTerminateInstance))

	require.NoError(t, h.enforcer.Tick(h.ctx))
	retry := h.openCommands(agentID, domain.CmdTerminateInstance)
	require.Len(t, retry, 1)
	assert.NotEqual(t, terms[0].RequestID, retry[0].RequestID)

	res, _, err = h.orch.ReportCommandResult(h.ctx, domain.SwitchReport{RequestID: retry[0].RequestID, Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.CommandExecuted, res.Status)

	gone := h.instance(replica.ID)
	assert.Equal(t, domain.RoleTerminated, gone.Role)
	require.NotNil(t, gone.TerminatedAt)

	require.NoError(t, h.enforcer.Tick(h.ctx))
	assert.Empty(t, h.openCommands(agentID, domain.CmdTerminateInstance))
}

func TestReportValidation(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.orch.ReportReplicaStatus(h.ctx, domain.ReplicaStatusReport{ReplicaID: "r", Status: domain.InstanceRunning, RequestID: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, _, err = h.orch.ReportReplicaStatus(h.ctx, domain.ReplicaStatusReport{ReplicaID: "r", Status: domain.InstanceReady})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, _, err = h.orch.ReportCommandResult(h.ctx, domain.SwitchReport{RequestID: "unknown", Success: true})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIdempotencyDoesNotRecordFailures(t *testing.T) {
	h := newHarness(t)
	calls := 0
	apply := func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return map[string]int{"calls": calls}, nil
	}

	_, _, err := h.idem.Do(h.ctx, "req-1", apply)
	require.Error(t, err)

	raw, hit, err := h.idem.Do(h.ctx, "req-1", apply)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.JSONEq(t, `{"calls":2}`, string(raw))

	raw, hit, err = h.idem.Do(h.ctx, "req-1", apply)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.JSONEq(t, `{"calls":2}`, string(raw))
	assert.Equal(t, 2, calls)

	_, _, err = h.idem.Do(h.ctx, "", apply)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestIdempotencyRecordsExpire(t *testing.T) {
	h := newHarness(t)
	apply := func(context.Context) (any, error) { return json.RawMessage(`"ok"`), nil }

	_, hit, err := h.idem.Do(h.ctx, "req-1", apply)
	require.NoError(t, err)
	require.False(t, hit)

	h.clock.Advance(25 * time.Hour)
	purged, err := h.idem.Purge(h.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, hit, err = h.idem.Do(h.ctx, "req-1", apply)
	require.NoError(t, err)
	assert.False(t, hit)
}
