package engine

/*
Файл enforcer.go: Replica Invariant Enforcer.

Периодический скан всех агентов. Каждый тик начинается с нуля: снимок читается из
леджера, памяти между тиками нет, поэтому несколько реплик control plane могут
гонять Enforcer одновременно без выбора лидера. Корректирующие команды получают
детерминированный requestId (сущность, действие, версия), повтор тика ничего не дублирует.
*/

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/decision"
	"github.com/xela07ax/spotguard/internal/domain"
)

type Enforcer struct {
	ledger  *Ledger
	idem    *Idempotency
	metrics *Metrics
	logger  *zap.Logger
	cfg     Config
}

func NewEnforcer(ledger *Ledger, idem *Idempotency, logger *zap.Logger) *Enforcer {
	return &Enforcer{
		ledger:  ledger,
		idem:    idem,
		metrics: ledger.metrics,
		logger:  logger.Named("enforcer"),
		cfg:     ledger.Config(),
	}
}

// Run — цикл тиков до отмены контекста. Первый тик сразу после старта.
func (e *Enforcer) Run(ctx context.Context) {
	e.logger.Info("enforcer started",
		zap.Duration("interval", e.cfg.EnforcerInterval),
		zap.Int("workers", e.cfg.EnforcerWorkers),
	)
	ticker := time.NewTicker(e.cfg.EnforcerInterval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("enforcer tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			e.logger.Info("enforcer stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick — один полный проход. Ошибка одного агента логируется и не прерывает остальных.
func (e *Enforcer) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { e.metrics.EnforcerTickDuration.Observe(time.Since(start).Seconds()) }()

	ctx = WithTraceID(ctx, "enforcer-"+uuid.New().String())
	agents, err := e.ledger.Store().ListAgents(ctx, false)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.EnforcerWorkers)
	for _, agent := range agents {
		g.Go(func() error {
			if err := e.ReconcileAgent(ctx, agent.ID); err != nil {
				e.metrics.EnforcerAgentErrors.Inc()
				e.logger.Error("agent reconciliation failed", zap.String("agent_id", agent.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if e.idem != nil {
		purged, err := e.idem.Purge(ctx)
		if err != nil {
			e.logger.Warn("idempotency purge failed", zap.Error(err))
		} else if purged > 0 {
			e.logger.Debug("expired idempotency records purged", zap.Int64("count", purged))
		}
	}
	return nil
}

// ModeChanged — обработчик сигнала смены режима из Redis: реконсиляция вне очереди.
func (e *Enforcer) ModeChanged(agentID string, mode domain.Mode) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.EnforcerInterval)
	defer cancel()
	if err := e.ReconcileAgent(WithTraceID(ctx, "mode-"+agentID), agentID); err != nil {
		e.logger.Warn("reconcile on mode signal failed", zap.String("agent_id", agentID), zap.String("mode", string(mode)), zap.Error(err))
	}
}

// ReconcileAgent приводит одного агента к желаемому состоянию.
func (e *Enforcer) ReconcileAgent(ctx context.Context, agentID string) error {
	state, err := e.ledger.Snapshot(ctx, agentID)
	if err != nil {
		return err
	}
	if state.Agent.Retired() {
		return nil
	}
	log := e.logger.With(zap.String("agent_id", agentID))

	// 1. Реплики, зависшие в запуске
	stuck, err := e.failStuckReplicas(ctx, state)
	if err != nil {
		return err
	}
	if stuck > 0 {
		if state, err = e.ledger.Snapshot(ctx, agentID); err != nil {
			return err
		}
	}

	// 2-4. Лишние реплики по режиму
	for _, replica := range surplusReplicas(state) {
		log.Info("tearing down surplus replica",
			zap.String("instance_id", replica.ID),
			zap.String("mode", string(state.Agent.Mode())),
			zap.String("purpose", string(replica.Purpose)),
		)
		if err := e.ledger.Teardown(ctx, replica.ID, audit.ActorEnforcer, "surplus replica for mode "+string(state.Agent.Mode())); err != nil {
			return err
		}
	}

	// 2. manual-replica: ровно одна горячая реплика
	if state.Agent.Mode() == domain.ModeManualReplica {
		if err := e.ensureStandby(ctx, agentID); err != nil {
			return err
		}
	}

	// 5. Зомби и снимаемые реплики без открытой terminate-команды
	if err := e.ensureTeardowns(ctx, agentID); err != nil {
		return err
	}

	// 6. Недоступный агент
	return e.checkReachability(ctx, state.Agent)
}

func (e *Enforcer) failStuckReplicas(ctx context.Context, state *AgentState) (int, error) {
	now := e.ledger.now()
	failed := 0
	for _, replica := range state.ActiveReplicas() {
		if !replica.InFlight() || now.Sub(replica.CreatedAt) < e.cfg.ReplicaLaunchTimeout {
			continue
		}
		e.logger.Warn("replica launch timed out",
			zap.String("agent_id", replica.AgentID),
			zap.String("instance_id", replica.ID),
			zap.String("status", string(replica.Status)),
			zap.Duration("age", now.Sub(replica.CreatedAt)),
		)
		if _, _, err := e.ledger.SetReplicaStatus(ctx, replica.ID, domain.InstanceFailed, audit.ActorEnforcer); err != nil {
			return failed, err
		}
		if _, err := e.ledger.Store().CloseInstanceCommands(ctx, replica.ID, domain.CmdCreateReplica, domain.CommandFailed, now); err != nil {
			return failed, err
		}
		if err := e.ledger.Teardown(ctx, replica.ID, audit.ActorEnforcer, "replica launch timeout"); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

// surplusReplicas — активные реплики, которые текущий режим агента не допускает.
//   - manual-replica: все, кроме самой новой;
//   - auto-switch: не привязанные к открытому событию прерывания;
//   - none: все.
func surplusReplicas(s *AgentState) []*domain.Instance {
	replicas := s.ActiveReplicas()
	switch s.Agent.Mode() {
	case domain.ModeManualReplica:
		if len(replicas) > 1 {
			return replicas[:len(replicas)-1]
		}
		return nil
	case domain.ModeAutoSwitch:
		result := make([]*domain.Instance, 0)
		for _, r := range replicas {
			if s.EventFor(r) == nil {
				result = append(result, r)
			}
		}
		return result
	}
	return replicas
}

// leftoverReplicas — реплики, запущенные под прежний режим агента (по Purpose):
// rebalance-реплики при переходе в manual-replica, standby при переходе в auto-switch.
// Реплика идущего termination-фейловера остается: ее ведет оркестратор до дедлайна.
func leftoverReplicas(s *AgentState) []*domain.Instance {
	var out []*domain.Instance
	for _, r := range s.ActiveReplicas() {
		switch s.Agent.Mode() {
		case domain.ModeManualReplica:
			if r.Purpose == domain.PurposeRebalance {
				out = append(out, r)
			}
		case domain.ModeAutoSwitch:
			if r.Purpose == domain.PurposeStandby {
				out = append(out, r)
			}
		default:
			out = append(out, r)
		}
	}
	return out
}

// ensureStandby создает реплику manual-режима в самом дешевом пуле, отличном от пула PRIMARY.
// Во время открытого termination-события запуском управляет оркестратор.
func (e *Enforcer) ensureStandby(ctx context.Context, agentID string) error {
	replica, launched, err := e.ledger.EnsureReplica(ctx, agentID, func(s *AgentState) (LaunchSpec, bool) {
		primary := s.Primary()
		if s.Agent.Mode() != domain.ModeManualReplica || primary == nil || s.OpenTermination() != nil {
			return LaunchSpec{}, false
		}
		if len(s.ActiveReplicas()) > 0 {
			return LaunchSpec{}, false
		}
		return LaunchSpec{
			PoolID:   e.ledger.SelectPool(ctx, s.Agent, decision.GoalCheapest, primary.PoolID),
			Purpose:  domain.PurposeStandby,
			Priority: domain.PriorityAutomatic,
			Actor:    audit.ActorEnforcer,
			Reason:   "manual-replica standby",
		}, true
	})
	if err != nil {
		return err
	}
	if launched {
		e.logger.Info("standby replica requested", zap.String("agent_id", agentID), zap.String("instance_id", replica.ID))
	}
	return nil
}

func (e *Enforcer) ensureTeardowns(ctx context.Context, agentID string) error {
	instances, err := e.ledger.Store().ListInstances(ctx, agentID, false)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		pending := inst.Role == domain.RoleZombie ||
			(inst.Role == domain.RoleReplica && !inst.IsActive)
		if !pending {
			continue
		}
		if err := e.ledger.Teardown(ctx, inst.ID, audit.ActorEnforcer, "pending termination"); err != nil {
			return err
		}
	}
	return nil
}

// checkReachability переводит агента в offline, если он перестал слать пульс и не
// забирает команды несколько интервалов опроса. Другие агенты это не затрагивает.
func (e *Enforcer) checkReachability(ctx context.Context, agent *domain.Agent) error {
	if agent.Status != domain.AgentOnline {
		return nil
	}
	now := e.ledger.now()
	staleBefore := now.Add(-e.cfg.OfflineAfter)
	if agent.LastHeartbeatAt != nil && !agent.LastHeartbeatAt.Before(staleBefore) {
		return nil
	}

	cmds, err := e.ledger.Store().ListOpenCommands(ctx, agent.ID)
	if err != nil {
		return err
	}
	var oldest *domain.Command
	for _, c := range cmds {
		if c.Status == domain.CommandPending && (oldest == nil || c.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = c
		}
	}
	if oldest == nil || now.Sub(oldest.CreatedAt) < e.cfg.UndeliveredAfter {
		return nil
	}

	marked, err := e.ledger.Store().MarkOffline(ctx, agent.ID, staleBefore)
	if err != nil || !marked {
		return err
	}
	since := oldest.CreatedAt
	if agent.LastHeartbeatAt != nil {
		since = *agent.LastHeartbeatAt
	}
	unreachable := &domain.AgentUnreachable{AgentID: agent.ID, Since: since}
	e.metrics.AgentsUnreachable.Inc()
	e.ledger.record(ctx, audit.EntityAgent, agent.ID, agent.ID, agentLabel(agent),
		string(domain.AgentOffline)+"/"+string(agent.Mode()), audit.ActorEnforcer, unreachable.Error())
	e.logger.Warn("agent marked offline", zap.Error(unreachable), zap.Int("undelivered", len(cmds)))
	return nil
}

