package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/domain"
)

// Готовая реплика промоутится в том же вызове, что принял termination-сигнал.
func TestTerminationPromotesReadyReplica(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeManualReplica)
	replica := h.onlyReplica(agentID)

	res := h.reportStatus(replica.ID, domain.InstanceReady, "ready-1")
	assert.False(t, res.Promoted)
	assert.Empty(t, h.openCommands(agentID, domain.CmdCreateReplica), "ready closes the create command")

	h.clock.Advance(5 * time.Second)
	ev := h.signal(agentID, primaryID, domain.SignalTermination)

	assert.Equal(t, domain.EventPromoted, ev.State)
	assert.Equal(t, domain.ResolutionReplicaPromoted, ev.Resolution)
	assert.Equal(t, replica.ID, ev.ReplicaID)
	require.NotNil(t, ev.Deadline)
	assert.WithinDuration(t, h.clock.Now().Add(120*time.Second), *ev.Deadline, time.Millisecond)

	promoted := h.instance(replica.ID)
	assert.Equal(t, domain.RolePrimary, promoted.Role)
	assert.Equal(t, domain.InstanceRunning, promoted.Status)
	zombie := h.instance(primaryID)
	assert.Equal(t, domain.RoleZombie, zombie.Role)
	assert.False(t, zombie.IsActive)
	assert.Equal(t, 1, h.activePrimaries(agentID))

	promotes := h.openCommands(agentID, domain.CmdPromoteReplica)
	require.Len(t, promotes, 1)
	assert.Equal(t, domain.PriorityEmergency, promotes[0].Priority)
	var params domain.CommandParams
	require.NoError(t, json.Unmarshal(promotes[0].Params, &params))
	assert.Equal(t, primaryID, params.PrimaryID)
	assert.True(t, params.Emergency)

	// Следующий тик: зомби на снос, новая реплика вне пула нового PRIMARY.
	// Очередь отдается по ярусам: promote (100), create (25), terminate (10).
	require.NoError(t, h.enforcer.Tick(h.ctx))
	cmds, err := h.queue.Poll(h.ctx, agentID, 0)
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, domain.CmdPromoteReplica, cmds[0].Type)
	assert.Equal(t, domain.CmdCreateReplica, cmds[1].Type)
	assert.Equal(t, poolC, cmds[1].TargetPoolID)
	assert.Equal(t, domain.CmdTerminateInstance, cmds[2].Type)
	assert.Equal(t, primaryID, cmds[2].InstanceID)
}

// Без реплики termination запускает аварийную реплику с приоритетом 100.
func TestTerminationWithoutReplicaLaunchesEmergencyReplica(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)
	assert.Empty(t, h.state(agentID).ActiveReplicas())

	ev := h.signal(agentID, primaryID, domain.SignalTermination)
	assert.Equal(t, domain.EventReplicaCreating, ev.State)

	replica := h.onlyReplica(agentID)
	assert.Equal(t, ev.ID, replica.EventID)
	assert.Equal(t, domain.PurposeTermination, replica.Purpose)
	assert.NotEqual(t, poolA, replica.PoolID)

	creates := h.openCommands(agentID, domain.CmdCreateReplica)
	require.Len(t, creates, 1)
	assert.Equal(t, domain.PriorityEmergency, creates[0].Priority)
	var params domain.CommandParams
	require.NoError(t, json.Unmarshal(creates[0].Params, &params))
	assert.True(t, params.Emergency)
	assert.Equal(t, ev.ID, params.EventID)

	// Повтор того же сигнала не создает второе событие и вторую реплику
	again := h.signal(agentID, primaryID, domain.SignalTermination)
	assert.Equal(t, ev.ID, again.ID)
	assert.Len(t, h.allCommands(agentID, domain.CmdCreateReplica), 1)
}

// Упавшая во время открытого события реплика сразу заменяется.
func TestFailedEmergencyReplicaIsRelaunched(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)
	ev := h.signal(agentID, primaryID, domain.SignalTermination)
	first := h.onlyReplica(agentID)

	h.clock.Advance(20 * time.Second)
	res := h.reportStatus(first.ID, domain.InstanceFailed, "failed-1")
	assert.Equal(t, domain.InstanceTerminating, res.Status)

	second := h.onlyReplica(agentID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, ev.ID, second.EventID)

	stored, err := h.store.GetEvent(h.ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ReplicaID)
	assert.True(t, stored.Open())
	assert.Len(t, h.openCommands(agentID, domain.CmdTerminateInstance), 1)
}

// termination поверх rebalance: та же реплика промоутится, вторая не создается.
func TestTerminationSupersedesRebalanceReplica(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)

	rebalance := h.signal(agentID, primaryID, domain.SignalRebalance)
	assert.Equal(t, domain.EventReplicaCreating, rebalance.State)
	assert.Nil(t, rebalance.Deadline)
	replica := h.onlyReplica(agentID)
	assert.Equal(t, domain.PurposeRebalance, replica.Purpose)

	h.clock.Advance(30 * time.Second)
	h.reportStatus(replica.ID, domain.InstanceSyncing, "sync-1")

	h.clock.Advance(60 * time.Second) // t=90s
	termination := h.signal(agentID, primaryID, domain.SignalTermination)
	assert.Equal(t, rebalance.ID, termination.ID, "the open event is re-tagged, not duplicated")
	assert.Equal(t, domain.SignalTermination, termination.SignalType)
	require.NotNil(t, termination.Deadline)

	retagged := h.instance(replica.ID)
	assert.Equal(t, domain.PurposeTermination, retagged.Purpose)
	assert.Equal(t, rebalance.ID, retagged.EventID)
	assert.Len(t, h.allCommands(agentID, domain.CmdCreateReplica), 1)

	h.clock.Advance(20 * time.Second) // t=110s, до дедлайна
	res := h.reportStatus(replica.ID, domain.InstanceReady, "ready-1")
	assert.True(t, res.Promoted)
	assert.Equal(t, domain.RolePrimary, res.Role)

	closed, err := h.store.GetEvent(h.ctx, rebalance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPromoted, closed.State)
	assert.Equal(t, domain.ResolutionReplicaPromoted, closed.Resolution)
	assert.Equal(t, domain.RoleZombie, h.instance(primaryID).Role)
	assert.Len(t, h.allCommands(agentID, domain.CmdCreateReplica), 1)
}

// Реплика не успела к дедлайну: событие expired, оркестратор отступает, а
// пост-фактум отчет агента о локальном фейловере закрывает событие как emergency-launch.
func TestExpiredTerminationStandsDownAndAdoptsLocalFailover(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)

	h.signal(agentID, primaryID, domain.SignalRebalance)
	replica := h.onlyReplica(agentID)
	h.clock.Advance(90 * time.Second)
	ev := h.signal(agentID, primaryID, domain.SignalTermination)

	h.clock.Advance(119 * time.Second)
	n, err := h.orch.CheckDeadlines(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Second)
	n, err = h.orch.CheckDeadlines(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := h.store.GetEvent(h.ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventExpired, expired.State)
	assert.Equal(t, domain.ResolutionExpired, expired.Resolution)
	require.NotNil(t, expired.ClosedAt)

	var deadlineAudit []audit.TransitionEvent
	for _, e := range h.auditor.forEntity(ev.ID) {
		if e.Actor == audit.ActorDeadline {
			deadlineAudit = append(deadlineAudit, e)
		}
	}
	require.Len(t, deadlineAudit, 1)
	assert.Equal(t, string(domain.EventExpired), deadlineAudit[0].PostState)
	assert.Contains(t, deadlineAudit[0].Reason, "expired")

	// Поздний ready: промоута нет
	h.clock.Advance(10 * time.Second)
	res := h.reportStatus(replica.ID, domain.InstanceReady, "ready-late")
	assert.False(t, res.Promoted)
	assert.Equal(t, domain.RolePrimary, h.instance(primaryID).Role)

	// Агент переехал сам и отчитался по create-команде
	creates := h.allCommands(agentID, domain.CmdCreateReplica)
	require.Len(t, creates, 1)
	result, hit, err := h.orch.ReportCommandResult(h.ctx, domain.SwitchReport{
		RequestID:     creates[0].RequestID,
		Success:       true,
		NewInstanceID: "i-local-failover",
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "i-local-failover", result.PrimaryID)

	adopted := h.instance("i-local-failover")
	assert.Equal(t, domain.RolePrimary, adopted.Role)
	assert.Equal(t, domain.RoleZombie, h.instance(primaryID).Role)
	assert.False(t, h.instance(replica.ID).IsActive)
	assert.Equal(t, 1, h.activePrimaries(agentID))

	resolved, err := h.store.GetEvent(h.ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventExpired, resolved.State)
	assert.Equal(t, domain.ResolutionEmergencyLaunch, resolved.Resolution)
	assert.Equal(t, "i-local-failover", resolved.ReplicaID)
}

func TestStaleRebalanceIsClearedAndStandbyRemoved(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)
	ev := h.signal(agentID, primaryID, domain.SignalRebalance)
	replica := h.onlyReplica(agentID)
	h.reportStatus(replica.ID, domain.InstanceReady, "ready-1")

	linked, err := h.store.GetEvent(h.ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventReplicaReady, linked.State)
	assert.Equal(t, domain.RolePrimary, h.instance(primaryID).Role, "rebalance never promotes")

	// Пока событие открыто, реплика не лишняя
	require.NoError(t, h.enforcer.Tick(h.ctx))
	assert.True(t, h.instance(replica.ID).IsActive)

	h.clock.Advance(11 * time.Minute)
	n, err := h.orch.ClearStaleRebalance(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, h.enforcer.Tick(h.ctx))
	gone := h.instance(replica.ID)
	assert.False(t, gone.IsActive)
	assert.Equal(t, domain.InstanceTerminating, gone.Status)
	assert.Len(t, h.openCommands(agentID, domain.CmdTerminateInstance), 1)
}

func TestSignalForAgentWithoutFailoverIsRecorded(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeNone)

	ev := h.signal(agentID, primaryID, domain.SignalTermination)
	assert.Equal(t, domain.EventCleared, ev.State)
	assert.Empty(t, h.openCommands(agentID, ""))
	assert.Empty(t, h.state(agentID).ActiveReplicas())
}

func TestSignalValidation(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)
	otherID, _ := h.register("svc-b", domain.ModeAutoSwitch)

	_, err := h.orch.HandleSignal(h.ctx, domain.SignalRequest{AgentID: agentID, InstanceID: primaryID, SignalType: "reboot"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.orch.HandleSignal(h.ctx, domain.SignalRequest{AgentID: otherID, InstanceID: primaryID, SignalType: domain.SignalTermination})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.orch.HandleSignal(h.ctx, domain.SignalRequest{AgentID: agentID, InstanceID: "i-unknown", SignalType: domain.SignalTermination})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// Два конкурентных промоута одной реплики: ровно один успех и один ConflictError.
func TestConcurrentPromoteHasSingleWinner(t *testing.T) {
	h := newHarness(t)
	agentID, _ := h.register("svc-a", domain.ModeManualReplica)
	replica := h.onlyReplica(agentID)
	h.reportStatus(replica.ID, domain.InstanceReady, "ready-1")
	ready := h.instance(replica.ID)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = h.ledger.PromoteReplica(h.ctx, agentID, ready.ID, ready.Version, "", audit.ActorOperator)
		}()
	}
	close(start)
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		var ce *domain.ConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &ce):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, h.activePrimaries(agentID))
	assert.Len(t, h.allCommands(agentID, domain.CmdPromoteReplica), 1)
}

func TestPromoteRequiresReadyReplica(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeManualReplica)
	replica := h.onlyReplica(agentID)

	_, err := h.ledger.PromoteReplica(h.ctx, agentID, replica.ID, replica.Version, "", audit.ActorOperator)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.RolePrimary, h.instance(primaryID).Role)
	assert.Equal(t, domain.RoleReplica, h.instance(replica.ID).Role)
}

// expiredTermination доводит termination-событие PRIMARY до expired.
func expiredTermination(h *harness, agentID, primaryID string) *domain.InterruptionEvent {
	h.t.Helper()
	ev := h.signal(agentID, primaryID, domain.SignalTermination)
	h.clock.Advance(121 * time.Second)
	n, err := h.orch.CheckDeadlines(h.ctx)
	require.NoError(h.t, err)
	require.Equal(h.t, 1, n)
	expired, err := h.store.GetEvent(h.ctx, ev.ID)
	require.NoError(h.t, err)
	require.Equal(h.t, domain.ResolutionExpired, expired.Resolution)
	return expired
}

// Плановая смена пула спустя дни после просроченного termination не выдается
// за аварийный запуск: событие остается expired.
func TestPoolSwitchDoesNotClaimOldExpiredEvent(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)
	expired := expiredTermination(h, agentID, primaryID)

	h.clock.Advance(72 * time.Hour)
	cmd, err := h.registry.SwitchPool(h.ctx, agentID, "", "ops@example.com")
	require.NoError(t, err)
	res, _, err := h.orch.ReportCommandResult(h.ctx, domain.SwitchReport{
		RequestID:     cmd.RequestID,
		Success:       true,
		NewInstanceID: "i-switched",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-switched", res.PrimaryID)

	after, err := h.store.GetEvent(h.ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventExpired, after.State)
	assert.Equal(t, domain.ResolutionExpired, after.Resolution)
	assert.Equal(t, expired.ReplicaID, after.ReplicaID)
	assert.Equal(t, expired.Version, after.Version)
}

// Переустановка вскоре после дедлайна засчитывается как аварийный запуск.
func TestReRegistrationSoonAfterDeadlineClaimsExpiredEvent(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)
	expired := expiredTermination(h, agentID, primaryID)

	h.clock.Advance(5 * time.Minute)
	_, err := h.registry.Register(h.ctx, domain.RegisterRequest{
		ClientID: "client-1", LogicalAgentID: "svc-a", InstanceID: "i-moved",
		InstanceType: "m5.large", Region: "us-east-1", AZ: "us-east-1c",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RolePrimary, h.instance("i-moved").Role)

	after, err := h.store.GetEvent(h.ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventExpired, after.State)
	assert.Equal(t, domain.ResolutionEmergencyLaunch, after.Resolution)
	assert.Equal(t, "i-moved", after.ReplicaID)
}

// Переустановка через несколько дней к старому событию не относится.
func TestLateReRegistrationLeavesExpiredEventAlone(t *testing.T) {
	h := newHarness(t)
	agentID, primaryID := h.register("svc-a", domain.ModeAutoSwitch)
	expired := expiredTermination(h, agentID, primaryID)

	h.clock.Advance(72 * time.Hour)
	_, err := h.registry.Register(h.ctx, domain.RegisterRequest{
		ClientID: "client-1", LogicalAgentID: "svc-a", InstanceID: "i-moved",
		InstanceType: "m5.large", Region: "us-east-1", AZ: "us-east-1c",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RolePrimary, h.instance("i-moved").Role)

	after, err := h.store.GetEvent(h.ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionExpired, after.Resolution)
	assert.NotEqual(t, "i-moved", after.ReplicaID)
}
