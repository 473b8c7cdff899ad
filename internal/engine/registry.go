package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/decision"
	"github.com/xela07ax/spotguard/internal/domain"
)

// Reconciler — немедленная реконсиляция одного агента (Enforcer).
type Reconciler interface {
	ReconcileAgent(ctx context.Context, agentID string) error
}

// Registry — жизненный цикл агентов: регистрация, пульс, режим, вывод из эксплуатации.
type Registry struct {
	ledger     *Ledger
	reconciler Reconciler
	publisher  ModePublisher
	logger     *zap.Logger
}

func NewRegistry(ledger *Ledger, reconciler Reconciler, publisher ModePublisher, logger *zap.Logger) *Registry {
	return &Registry{
		ledger:     ledger,
		reconciler: reconciler,
		publisher:  publisher,
		logger:     logger.Named("registry"),
	}
}

func (r *Registry) agentConfig(mode domain.Mode) domain.AgentConfig {
	cfg := r.ledger.Config()
	return domain.AgentConfig{
		Mode:                mode,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		PollInterval:        cfg.PollInterval,
		TerminationDeadline: cfg.TerminationDeadline,
	}
}

// Register создает агента или обновляет живого агента с той же парой (clientId, logicalAgentId).
// Удаленный агент не оживляется: переустановка дает новый agentId. Режим сохраненного
// агента не перезаписывается регистрацией, источник истины: оператор.
func (r *Registry) Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegisterResponse, error) {
	if req.LogicalAgentID == "" || req.InstanceID == "" || req.InstanceType == "" {
		return nil, fmt.Errorf("%w: logical_agent_id, instance_id and instance_type are required", domain.ErrInvalidRequest)
	}
	if req.Mode == "" {
		req.Mode = domain.ModeNone
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidRequest, req.Mode)
	}
	poolID := req.PoolID
	if poolID == "" {
		poolID = domain.ComposePoolID(req.InstanceType, req.AZ)
	}

	store := r.ledger.Store()
	existing, err := store.FindLiveAgent(ctx, req.ClientID, req.LogicalAgentID)
	switch {
	case err == nil:
		return r.reRegister(ctx, existing.ID, req, poolID)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	now := r.ledger.now()
	agent := &domain.Agent{
		ID:              uuid.New().String(),
		ClientID:        req.ClientID,
		LogicalAgentID:  req.LogicalAgentID,
		Status:          domain.AgentOnline,
		InstanceType:    req.InstanceType,
		Region:          req.Region,
		AZ:              req.AZ,
		LastHeartbeatAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	agent.ApplyMode(req.Mode)
	if err := store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.ledger.record(ctx, audit.EntityAgent, agent.ID, agent.ID, "", agentLabel(agent), audit.ActorAgent, "registered")

	if err := r.bindPrimary(ctx, agent.ID, req.InstanceID, poolID); err != nil {
		return nil, err
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("logical_agent_id", agent.LogicalAgentID),
		zap.String("instance_id", req.InstanceID),
		zap.String("mode", string(agent.Mode())),
	)
	r.kick(ctx, agent.ID, agent.Mode())
	return &domain.RegisterResponse{AgentID: agent.ID, Config: r.agentConfig(agent.Mode())}, nil
}

func (r *Registry) reRegister(ctx context.Context, agentID string, req domain.RegisterRequest, poolID string) (*domain.RegisterResponse, error) {
	agent, _, err := r.ledger.mutateAgent(ctx, agentID, "register", audit.ActorAgent, "re-registered", func(a *domain.Agent) error {
		if a.Status == domain.AgentDisabled {
			return fmt.Errorf("%w: agent %s is disabled", domain.ErrAgentRetired, a.ID)
		}
		a.Status = domain.AgentOnline
		a.InstanceType = req.InstanceType
		a.Region = req.Region
		a.AZ = req.AZ
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := r.ledger.Store().TouchHeartbeat(ctx, agent.ID, r.ledger.now()); err != nil {
		return nil, err
	}
	if err := r.bindPrimary(ctx, agent.ID, req.InstanceID, poolID); err != nil {
		return nil, err
	}

	r.logger.Info("agent re-registered",
		zap.String("agent_id", agent.ID),
		zap.String("instance_id", req.InstanceID),
		zap.String("mode", string(agent.Mode())),
	)
	return &domain.RegisterResponse{AgentID: agent.ID, Config: r.agentConfig(agent.Mode())}, nil
}

// bindPrimary делает инстанс регистрации PRIMARY агента. Если PRIMARY уже другой,
// значит агент переехал сам (локальный фейловер, переустановка): это adopt.
func (r *Registry) bindPrimary(ctx context.Context, agentID, instanceID, poolID string) error {
	store := r.ledger.Store()
	existing, err := store.GetInstance(ctx, instanceID)
	switch {
	case err == nil:
		if existing.AgentID == agentID && existing.ActivePrimary() {
			return nil
		}
	case errors.Is(err, domain.ErrNotFound):
		instances, err := store.ListInstances(ctx, agentID, false)
		if err != nil {
			return err
		}
		if (&AgentState{Instances: instances}).Primary() == nil {
			inst := &domain.Instance{
				ID:        instanceID,
				AgentID:   agentID,
				Role:      domain.RolePrimary,
				Status:    domain.InstanceRunning,
				PoolID:    poolID,
				IsActive:  true,
				Purpose:   domain.PurposePrimary,
				CreatedAt: r.ledger.now(),
			}
			if err := store.InsertPrimary(ctx, inst); err != nil {
				if errors.Is(err, domain.ErrInvariant) {
					// Конкурентная регистрация успела вставить PRIMARY: сверяемся через adopt
					break
				}
				return r.ledger.guard(ctx, "register", err)
			}
			r.ledger.record(ctx, audit.EntityInstance, inst.ID, agentID, "", inst.StateLabel(), audit.ActorAgent, "registered")
			return nil
		}
	default:
		return err
	}

	_, err = r.ledger.AdoptPrimary(ctx, AdoptSpec{
		AgentID:    agentID,
		InstanceID: instanceID,
		PoolID:     poolID,
		Cause:      AdoptReinstall,
		Actor:      audit.ActorAgent,
		Reason:     "re-registration from new instance",
	})
	return err
}

// Heartbeat обновляет liveness. Режим в ответе: сохраненный, расхождение с агентом логируется.
func (r *Registry) Heartbeat(ctx context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error) {
	store := r.ledger.Store()
	agent, err := store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == domain.AgentDeleted {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrAgentRetired, agent.ID)
	}

	if _, err := store.TouchHeartbeat(ctx, agent.ID, r.ledger.now()); err != nil {
		return nil, err
	}
	if agent.Status == domain.AgentOffline {
		agent.Status = domain.AgentOnline
		r.ledger.record(ctx, audit.EntityAgent, agent.ID, agent.ID, string(domain.AgentOffline)+"/"+string(agent.Mode()),
			agentLabel(agent), audit.ActorAgent, "heartbeat resumed")
	}
	if req.CurrentMode != "" && req.CurrentMode != agent.Mode() {
		r.logger.Warn("agent reports stale mode",
			zap.String("agent_id", agent.ID),
			zap.String("reported", string(req.CurrentMode)),
			zap.String("stored", string(agent.Mode())),
		)
	}
	return &domain.HeartbeatResponse{Status: agent.Status, Mode: agent.Mode()}, nil
}

// SetMode переключает режим отказоустойчивости. Флаги взаимоисключающие; реплики,
// оставшиеся от прежнего режима, снимаются командами яруса cleanup.
func (r *Registry) SetMode(ctx context.Context, agentID string, mode domain.Mode, actor string) (*domain.Agent, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidRequest, mode)
	}
	agent, changed, err := r.ledger.mutateAgent(ctx, agentID, "set-mode", actor, "mode change", func(a *domain.Agent) error {
		if a.Retired() {
			return fmt.Errorf("%w: agent %s is %s", domain.ErrAgentRetired, a.ID, a.Status)
		}
		if a.Mode() == mode {
			return errNoChange
		}
		a.ApplyMode(mode)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return agent, nil
	}

	// Сначала реплики прежнего режима, затем лишние по правилам нового
	for _, pick := range []func(*AgentState) []*domain.Instance{leftoverReplicas, surplusReplicas} {
		state, err := r.ledger.Snapshot(ctx, agentID)
		if err != nil {
			return nil, err
		}
		for _, replica := range pick(state) {
			if err := r.ledger.Teardown(ctx, replica.ID, actor, "mode changed to "+string(mode)); err != nil {
				return nil, err
			}
		}
	}

	r.logger.Info("agent mode changed", zap.String("agent_id", agentID), zap.String("mode", string(mode)), zap.String("actor", actor))
	r.kick(ctx, agentID, mode)
	return agent, nil
}

// kick — немедленная реконсиляция локально и сигнал остальным репликам control plane.
func (r *Registry) kick(ctx context.Context, agentID string, mode domain.Mode) {
	if r.publisher != nil {
		if err := r.publisher.PublishMode(ctx, agentID, mode); err != nil {
			r.logger.Warn("failed to publish mode signal", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if r.reconciler != nil && mode != domain.ModeNone {
		if err := r.reconciler.ReconcileAgent(ctx, agentID); err != nil {
			r.logger.Warn("immediate reconcile failed, next tick will retry", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

func (r *Registry) setStatus(ctx context.Context, agentID string, status domain.AgentStatus, actor, reason string, allowed ...domain.AgentStatus) (*domain.Agent, error) {
	agent, _, err := r.ledger.mutateAgent(ctx, agentID, "set-status", actor, reason, func(a *domain.Agent) error {
		if a.Status == status {
			return errNoChange
		}
		if a.Status == domain.AgentDeleted {
			return fmt.Errorf("%w: agent %s", domain.ErrAgentRetired, a.ID)
		}
		if len(allowed) > 0 {
			ok := false
			for _, s := range allowed {
				ok = ok || a.Status == s
			}
			if !ok {
				return fmt.Errorf("%w: agent %s is %s", domain.ErrInvalidTransition, a.ID, a.Status)
			}
		}
		a.Status = status
		return nil
	})
	return agent, err
}

// Disable исключает агента из реконсиляции, не удаляя его.
func (r *Registry) Disable(ctx context.Context, agentID, actor string) (*domain.Agent, error) {
	return r.setStatus(ctx, agentID, domain.AgentDisabled, actor, "disabled by operator")
}

// Enable возвращает агента в обработку; online он станет с первым пульсом.
func (r *Registry) Enable(ctx context.Context, agentID, actor string) (*domain.Agent, error) {
	return r.setStatus(ctx, agentID, domain.AgentOffline, actor, "enabled by operator", domain.AgentDisabled)
}

// Retire — soft-delete. Реплики и зомби снимаются сразу: Enforcer удаленных агентов не видит.
func (r *Registry) Retire(ctx context.Context, agentID, actor string) (*domain.Agent, error) {
	agent, err := r.setStatus(ctx, agentID, domain.AgentDeleted, actor, "retired by operator")
	if err != nil {
		return nil, err
	}
	instances, err := r.ledger.Store().ListInstances(ctx, agentID, false)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Role == domain.RolePrimary {
			continue
		}
		if err := r.ledger.Teardown(ctx, inst.ID, actor, "agent retired"); err != nil {
			return nil, err
		}
	}
	r.logger.Info("agent retired", zap.String("agent_id", agentID), zap.String("actor", actor))
	return agent, nil
}

func (r *Registry) Get(ctx context.Context, agentID string) (*AgentState, error) {
	return r.ledger.Snapshot(ctx, agentID)
}

func (r *Registry) List(ctx context.Context, includeRetired bool) ([]*domain.Agent, error) {
	return r.ledger.Store().ListAgents(ctx, includeRetired)
}

// SwitchPool — ручное переключение PRIMARY в другой пул (ярус manual override).
// Пустой poolID: самый дешевый пул, отличный от текущего.
func (r *Registry) SwitchPool(ctx context.Context, agentID, poolID, actor string) (*domain.Command, error) {
	state, err := r.ledger.Snapshot(ctx, agentID)
	if err != nil {
		return nil, err
	}
	primary := state.Primary()
	if primary == nil {
		return nil, fmt.Errorf("%w: agent %s has no active primary", domain.ErrInvalidRequest, agentID)
	}
	if poolID == "" {
		poolID = r.ledger.SelectPool(ctx, state.Agent, decision.GoalCheapest, primary.PoolID)
	}
	if poolID == primary.PoolID {
		return nil, fmt.Errorf("%w: agent %s already runs in pool %s", domain.ErrInvalidRequest, agentID, poolID)
	}

	var version int64
	agent, _, err := r.ledger.mutateAgent(ctx, agentID, "switch-pool", actor, "pool switch to "+poolID, func(a *domain.Agent) error {
		switch a.Status {
		case domain.AgentSwitching:
			return fmt.Errorf("%w: agent %s already switching", domain.ErrInvalidRequest, a.ID)
		case domain.AgentDisabled, domain.AgentDeleted:
			return fmt.Errorf("%w: agent %s is %s", domain.ErrAgentRetired, a.ID, a.Status)
		}
		version = a.Version
		a.Status = domain.AgentSwitching
		return nil
	})
	if err != nil {
		return nil, err
	}

	cmd := r.ledger.newCommand(agent.ID, domain.CmdSwitchPool, primary.ID, poolID, domain.PriorityManual, domain.CommandParams{
		PrimaryID:    primary.ID,
		InstanceType: agent.InstanceType,
		Region:       agent.Region,
		Reason:       "operator pool switch",
	}, RequestID(agent.ID, domain.CmdSwitchPool, version))
	inserted, err := r.ledger.Store().InsertCommand(ctx, cmd)
	if err != nil {
		// Без команды агент застрял бы в switching
		if _, rerr := r.setStatus(ctx, agent.ID, domain.AgentOnline, actor, "pool switch aborted"); rerr != nil {
			r.logger.Error("failed to roll back switching status", zap.String("agent_id", agent.ID), zap.Error(rerr))
		}
		return nil, err
	}
	if inserted {
		r.ledger.commandPushed(ctx, cmd, actor)
	}
	r.logger.Info("pool switch requested",
		zap.String("agent_id", agent.ID),
		zap.String("instance_id", primary.ID),
		zap.String("pool_id", poolID),
	)
	return cmd, nil
}
